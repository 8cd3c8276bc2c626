// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package celltower

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/luxfi/log"
)

// OpenCellID CSV column indices. The dump starts with a header row:
// radio,mcc,net,area,cell,unit,lon,lat,range,samples,...
const (
	colMCC  = 1
	colMNC  = 2
	colLAC  = 3
	colCID  = 4
	colLon  = 6
	colLat  = 7
	minCols = 8
)

var errTooFewColumns = errors.New("too few columns")

// Preprocess converts an OpenCellID CSV dump read from [r] into the binary
// snapshot format on [w]. Rows whose identifier fields do not fit the
// packed layout (notably CDMA cells with wide CIDs) are skipped and
// counted, not fatal. Returns the number of cells written.
func Preprocess(logger log.Logger, r io.Reader, w io.Writer) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	// Skip the header row.
	if _, err := cr.Read(); err != nil {
		return 0, fmt.Errorf("reading CSV header: %w", err)
	}

	cells := make(map[PackedID]CoarseLocation)
	skipped := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading CSV row: %w", err)
		}

		id, loc, err := parseRow(row)
		if err != nil {
			skipped++
			logger.Verbo("skipping cell row",
				zap.Error(err),
			)
			continue
		}
		cells[id] = loc
	}

	if skipped > 0 {
		logger.Info("skipped unpackable cell rows",
			zap.Int("skipped", skipped),
			zap.Int("kept", len(cells)),
		)
	}
	if err := WriteSnapshot(w, cells); err != nil {
		return 0, err
	}
	return len(cells), nil
}

func parseRow(row []string) (PackedID, CoarseLocation, error) {
	if len(row) < minCols {
		return 0, CoarseLocation{}, fmt.Errorf("%w: %d", errTooFewColumns, len(row))
	}
	mcc, err := strconv.ParseUint(row[colMCC], 10, 32)
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	mnc, err := strconv.ParseUint(row[colMNC], 10, 32)
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	lac, err := strconv.ParseUint(row[colLAC], 10, 32)
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	cid, err := strconv.ParseUint(row[colCID], 10, 32)
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	lon, err := strconv.ParseFloat(row[colLon], 64)
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	lat, err := strconv.ParseFloat(row[colLat], 64)
	if err != nil {
		return 0, CoarseLocation{}, err
	}

	id, err := Pack(uint32(mcc), uint32(mnc), uint32(lac), uint32(cid))
	if err != nil {
		return 0, CoarseLocation{}, err
	}
	return id, CoarseOf(lat, lon), nil
}
