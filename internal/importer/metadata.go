package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// ReadMetadataCSV parses a two-column key,value file into a map. The
// first row is a header and is skipped. A missing file is not an error;
// it simply contributes nothing.
func ReadMetadataCSV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	kv := make(map[string]string)
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if first {
			first = false
			continue
		}
		if len(record) < 2 || record[0] == "" {
			continue
		}
		kv[record[0]] = record[1]
	}
	return kv, nil
}
