// Package dataset supplies cross-validation folds to the harness: CSV fold
// directories on disk, in-memory folds, and seeded synthetic folds with a
// matching reference classifier.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"layerguard/internal/model"
)

// ReadLabeledCSV parses rows of "label,x0,x1,...". A first row whose label
// column is not an integer is taken as a header.
func ReadLabeledCSV(in io.Reader) (model.LabeledInputs, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	var out model.LabeledInputs
	width := -1
	rowIndex := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.LabeledInputs{}, fmt.Errorf("read csv row %d: %w", rowIndex+1, err)
		}
		rowIndex++
		if blankRecord(record) {
			continue
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if rowIndex == 1 {
				continue
			}
			return model.LabeledInputs{}, fmt.Errorf("parse csv row %d label: %w", rowIndex, err)
		}
		inputs := make([]float64, len(record)-1)
		for i, raw := range record[1:] {
			value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return model.LabeledInputs{}, fmt.Errorf("parse csv row %d column %d: %w", rowIndex, i+1, err)
			}
			inputs[i] = value
		}
		if width >= 0 && len(inputs) != width {
			return model.LabeledInputs{}, fmt.Errorf("%w: csv row %d has %d features, want %d", model.ErrShapeMismatch, rowIndex, len(inputs), width)
		}
		width = len(inputs)
		out.Inputs = append(out.Inputs, inputs)
		out.Labels = append(out.Labels, label)
	}
	return out, nil
}

func WriteLabeledCSV(out io.Writer, set model.LabeledInputs) error {
	if err := set.Validate(); err != nil {
		return err
	}
	writer := csv.NewWriter(out)
	width := 0
	if len(set.Inputs) > 0 {
		width = len(set.Inputs[0])
	}
	header := make([]string, 0, width+1)
	header = append(header, "label")
	for i := 0; i < width; i++ {
		header = append(header, fmt.Sprintf("x%d", i))
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for i, inputs := range set.Inputs {
		record := make([]string, 0, len(inputs)+1)
		record = append(record, strconv.Itoa(set.Labels[i]))
		for _, v := range inputs {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// readLabeledFile returns an empty set when the file does not exist.
func readLabeledFile(path string, required bool) (model.LabeledInputs, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return model.LabeledInputs{}, nil
		}
		return model.LabeledInputs{}, err
	}
	defer f.Close()
	set, err := ReadLabeledCSV(f)
	if err != nil {
		return model.LabeledInputs{}, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func writeLabeledFile(path string, set model.LabeledInputs) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteLabeledCSV(f, set); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
