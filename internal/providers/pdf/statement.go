package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Token Statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "QuizForge", props.Text{
			Size:  12,
			Align: align.Right,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Account: "+data.UserID, props.Text{Top: 0}),
			text.New("Period: "+data.PeriodLabel, props.Text{Top: 4}),
			text.New("Generated: "+data.GeneratedAt.Format("2006-01-02 15:04 MST"), props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New(fmt.Sprintf("Available tokens: %d", data.AvailableTokens), props.Text{Top: 0, Align: align.Right}),
			text.New(fmt.Sprintf("Reserved tokens: %d", data.ReservedTokens), props.Text{Top: 4, Align: align.Right}),
		),
	)

	// Table Header
	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Type", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Reference", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Tokens", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Balance", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, line := range data.Lines {
		m.AddRow(8,
			text.NewCol(3, line.Date, props.Text{Size: 9}),
			text.NewCol(2, line.Type, props.Text{Size: 9}),
			text.NewCol(3, line.RefID, props.Text{Size: 9}),
			text.NewCol(2, formatSigned(line.Amount), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%d", line.BalanceAfter), props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(data.Lines) == 0 {
		m.AddRow(10,
			text.NewCol(12, "No token activity in this period.", props.Text{Size: 9}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

func formatSigned(amount int64) string {
	if amount > 0 {
		return fmt.Sprintf("+%d", amount)
	}
	return fmt.Sprintf("%d", amount)
}
