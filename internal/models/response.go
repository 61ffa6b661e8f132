package models

import "time"

type GenerateResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Cost   int64     `json:"cost"`
}

type JobResponse struct {
	ID           string                 `json:"job_id"`
	Status       JobStatus              `json:"status"`
	Mode         JobMode                `json:"mode"`
	Prompt       string                 `json:"prompt"`
	Cost         int64                  `json:"cost"`
	ResultURL    string                 `json:"result_url,omitempty"`
	ThumbURL     string                 `json:"thumb_url,omitempty"`
	Assets       []StoredAsset          `json:"assets,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type JobListResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

type JobSummary struct {
	ID        string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Prompt    string    `json:"prompt"`
	ThumbURL  string    `json:"thumb_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type WalletResponse struct {
	WalletID string `json:"wallet_id"`
	Balance  int64  `json:"balance"`
}

type TransactionResponse struct {
	ID        string            `json:"id"`
	Delta     int64             `json:"delta"`
	Reason    TransactionReason `json:"reason"`
	RefID     string            `json:"ref_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

type PaymentResponse struct {
	OrderID    string `json:"order_id"`
	InvID      int64  `json:"inv_id"`
	Amount     string `json:"amount"`
	Points     int64  `json:"points"`
	PaymentURL string `json:"payment_url"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
