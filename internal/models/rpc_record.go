package models

import "time"

// RPCRecord marks a signed request as processed; (signer, payload hash) is unique.
type RPCRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Signer      string    `json:"signer" gorm:"not null;uniqueIndex:idx_rpc_signer_payload;size:42"`
	RequestID   uint64    `json:"request_id" gorm:"not null;index"`
	Method      string    `json:"method" gorm:"not null"`
	PayloadHash string    `json:"payload_hash" gorm:"not null;uniqueIndex:idx_rpc_signer_payload;size:66"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

func (RPCRecord) TableName() string { return "rpc_records" }
