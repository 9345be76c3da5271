package store

// Column describes one result column as reported by the driver
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is one result row; cells keep the driver's types and the column order
type Row []interface{}

// RowSet is a fully materialised query result.
// It is replaced wholesale on every fetch, never diffed.
type RowSet struct {
	Label   string   `json:"label"`
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows
func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// Clone returns a copy whose rows and cells can be handed to a consumer
// without sharing backing arrays with the authoritative copy.
func (rs *RowSet) Clone() *RowSet {
	if rs == nil {
		return nil
	}

	out := &RowSet{
		Label:   rs.Label,
		Columns: append([]Column(nil), rs.Columns...),
		Rows:    make([]Row, len(rs.Rows)),
	}

	for i, row := range rs.Rows {
		cells := make(Row, len(row))
		for j, cell := range row {
			if b, ok := cell.([]byte); ok {
				cell = append([]byte(nil), b...)
			}
			cells[j] = cell
		}
		out.Rows[i] = cells
	}

	return out
}
