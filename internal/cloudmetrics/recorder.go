package cloudmetrics

// Recorder feeds the cloud accounting registry. All methods are safe
// on a nil receiver so callers never need to guard for disabled cloud
// reporting.
type Recorder struct {
	metrics    *metrics
	instanceID string
}

func newRecorder(m *metrics, instanceID string) *Recorder {
	return &Recorder{metrics: m, instanceID: instanceID}
}

func (r *Recorder) RecordTokensReserved(tokens int64) {
	if r == nil || r.metrics == nil || tokens <= 0 {
		return
	}
	r.metrics.tokensReserved.Add(float64(tokens))
}

func (r *Recorder) RecordTokensCommitted(tokens int64) {
	if r == nil || r.metrics == nil || tokens <= 0 {
		return
	}
	r.metrics.tokensCommitted.Add(float64(tokens))
}

func (r *Recorder) RecordReservationsExpired(count int64) {
	if r == nil || r.metrics == nil || count <= 0 {
		return
	}
	r.metrics.reservationsExpired.Add(float64(count))
}

func (r *Recorder) RecordDeduction() {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.deductions.Inc()
}

func (r *Recorder) setBalancesTotal(count int64) {
	if r == nil || r.metrics == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.metrics.balancesTotal.Set(float64(count))
}

func (r *Recorder) setMemoryBytes(bytes uint64) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.memoryBytes.Set(float64(bytes))
}
