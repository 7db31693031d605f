package models

import "time"

// ImportResult summarises one ingestion.
type ImportResult struct {
	SessionID     string    `json:"sessionId"`
	TempTableName string    `json:"tempTableName"`
	FileName      string    `json:"fileName"`
	ImportedRows  int       `json:"importedRows"`
	SkippedRows   int       `json:"skippedRows"`
	TotalRows     int       `json:"totalRows"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Warnings      []string  `json:"warnings"`
}
