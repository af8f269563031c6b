package model

import "time"

type AuditActor struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	IP     string `json:"ip,omitempty"`
}

type AuditEntry struct {
	ID         int64          `json:"id"`
	Action     string         `json:"action"`
	OccurredAt time.Time      `json:"occurred_at"`
	Actor      AuditActor     `json:"actor"`
	Status     string         `json:"status"`
	Resource   string         `json:"resource,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type AuditQuery struct {
	Action  string
	ActorID string
	Status  string
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}

type AuditListData struct {
	Items []AuditEntry `json:"items"`
}
