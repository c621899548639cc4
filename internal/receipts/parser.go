package receipts

import (
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParsedRow is one normalised statement row ready for import.
type ParsedRow struct {
	Date            time.Time
	Details         string
	TransactionType string
	AmountIn        *float64
	AmountOut       *float64
	Balance         *float64
	DedupeHash      string
}

// ParseResult carries retained rows plus per-row drop accounting. Cell-level
// problems never abort the parse; they are reported for logging.
type ParseResult struct {
	Rows     []ParsedRow
	Skipped  int
	RowNotes []string
}

var statementColumns = []string{"date", "details", "transaction type", "in", "out", "balance"}

// ParseStatement reads a bank-exported CSV and returns normalised rows.
// A row is dropped when its details are empty after whitespace collapsing,
// its date cannot be parsed, or both amounts are absent or zero.
func ParseStatement(r io.Reader) (ParseResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return ParseResult{}, fmt.Errorf("receipts: read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return ParseResult{}, err
	}

	var result ParseResult
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Skipped++
			result.RowNotes = append(result.RowNotes, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		row, note := parseRow(record, cols)
		if note != "" {
			result.Skipped++
			result.RowNotes = append(result.RowNotes, fmt.Sprintf("line %d: %s", line, note))
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(statementColumns))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range statementColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("receipts: statement missing column %q", required)
		}
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int) (ParsedRow, string) {
	field := func(name string) string {
		idx := cols[name]
		if idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	details := CollapseWhitespace(field("details"))
	if details == "" {
		return ParsedRow{}, "empty details"
	}

	date, ok := parseStatementDate(field("date"))
	if !ok {
		return ParsedRow{}, fmt.Sprintf("unparseable date %q", field("date"))
	}

	amountIn := parseAmount(field("in"))
	amountOut := parseAmount(field("out"))
	if !positive(amountIn) && !positive(amountOut) {
		return ParsedRow{}, "no amount"
	}

	row := ParsedRow{
		Date:            date,
		Details:         details,
		TransactionType: strings.TrimSpace(field("transaction type")),
		AmountIn:        amountIn,
		AmountOut:       amountOut,
		Balance:         parseAmount(field("balance")),
	}
	row.DedupeHash = DedupeHash(row)
	return row, ""
}

// parseStatementDate accepts DD/MM/YYYY and ISO YYYY-MM-DD.
func parseStatementDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"02/01/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseAmount strips thousands separators and currency symbols and rounds to
// two decimal places. A malformed value yields nil rather than an error.
func parseAmount(raw string) *float64 {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimPrefix(cleaned, "£")
	cleaned = strings.TrimPrefix(cleaned, "$")
	if cleaned == "" {
		return nil
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	rounded := math.Round(value*100) / 100
	return &rounded
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}

// CollapseWhitespace trims and folds internal whitespace runs into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DedupeHash digests the defining fields of a row. Identical statements
// re-imported always produce identical hashes, which makes the downstream
// upsert a natural no-op.
func DedupeHash(row ParsedRow) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		row.Date.Format("2006-01-02"),
		row.Details,
		row.TransactionType,
		formatAmount(row.AmountIn),
		formatAmount(row.AmountOut),
		formatAmount(row.Balance),
	)
	sum := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", sum)
}

func formatAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
