package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// LoadCandlesCSV reads candles from a CSV file with columns
// time,open,high,low,close,volume. Time is RFC3339 or unix milliseconds. A
// header row is detected and skipped.
func LoadCandlesCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening candle file: %w", err)
	}
	defer f.Close()
	candles, err := ReadCandles(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return candles, nil
}

// ReadCandles parses CSV candle rows from r.
func ReadCandles(r io.Reader) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	var candles []Candle
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++
		if line == 1 && !isNumeric(record[1]) {
			continue // header
		}
		c, err := parseCandle(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles in input")
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Time.After(candles[i-1].Time) {
			return nil, fmt.Errorf("candles out of order at index %d", i)
		}
	}
	return candles, nil
}

func parseCandle(record []string) (Candle, error) {
	var c Candle
	ts, err := parseTime(record[0])
	if err != nil {
		return c, err
	}
	c.Time = ts
	fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, dst := range fields {
		v, err := strconv.ParseFloat(record[i+1], 64)
		if err != nil {
			return c, fmt.Errorf("column %d: %w", i+2, err)
		}
		*dst = v
	}
	if c.High < c.Low || c.Open <= 0 || c.Close <= 0 {
		return c, fmt.Errorf("inconsistent bar %+v", c)
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
