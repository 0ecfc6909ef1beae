package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"ecgmon/models"
)

var csvHeader = []string{"timestamp", "lead1", "lead2", "lead3"}

type csvRow struct {
	timestamp int64
	values    [models.LeadCount]*float64
}

// WriteRecordingCSV writes one row per sample in ascending timestamp order and
// returns the number of data rows. Chunks are expanded with base + i*interval;
// snapshot sessions are written from their stored points. A lead without a value
// at a timestamp leaves its cell empty.
func WriteRecordingCSV(w io.Writer, data *models.RecordingData) (int, error) {
	rows := recordingRows(data)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	record := make([]string, len(csvHeader))
	for _, row := range rows {
		record[0] = strconv.FormatInt(row.timestamp, 10)
		for i, v := range row.values {
			if v == nil {
				record[i+1] = ""
				continue
			}
			record[i+1] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush csv: %w", err)
	}
	return len(rows), nil
}

func recordingRows(data *models.RecordingData) []csvRow {
	byTimestamp := make(map[int64]*csvRow)
	set := func(ts int64, lead int, value float64) {
		row, ok := byTimestamp[ts]
		if !ok {
			row = &csvRow{timestamp: ts}
			byTimestamp[ts] = row
		}
		v := value
		row.values[lead] = &v
	}

	for base, stored := range data.Chunks {
		chunk := models.LeadChunk{
			BaseTimestamp:    base,
			SampleIntervalMs: stored.Interval,
			Lead1:            stored.Lead1,
			Lead2:            stored.Lead2,
			Lead3:            stored.Lead3,
		}
		for lead, samples := range chunk.Expand() {
			for _, s := range samples {
				set(s.Timestamp, lead, s.Value)
			}
		}
	}

	if data.Snapshot != nil {
		for lead := models.Lead1; lead <= models.Lead3; lead++ {
			for _, s := range data.Snapshot.Lead(lead) {
				set(s.Timestamp, int(lead), s.Value)
			}
		}
	}

	rows := make([]csvRow, 0, len(byTimestamp))
	for _, row := range byTimestamp {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].timestamp < rows[j].timestamp
	})
	return rows
}
