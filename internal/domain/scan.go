package domain

import "time"

// ScanRecord is the persisted outcome of analyzing one URL.
type ScanRecord struct {
	Page      string    `json:"page"`
	Result    string    `json:"result"`
	Redirects string    `json:"redirects,omitempty"`
	Status    int       `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
