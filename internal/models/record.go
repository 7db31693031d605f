package models

// Record is one imported row. Fields always carries every canonical field.
type Record struct {
	SessionID  string            `json:"-"`
	SequenceNo int64             `json:"sequenceNo"`
	Fields     map[string]string `json:"fields"`
}

// Page is one window of a session's records.
type Page struct {
	Rows  []Record `json:"rows"`
	Total int      `json:"total"`
}
