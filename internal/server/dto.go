package server

import (
	"time"

	"makerspace/internal/domain"
)

// Request payloads

type CreateRequestBody struct {
	Title string `json:"title,omitempty" doc:"Short summary of the problem" example:"Lathe belt slipping"`
	Body  string `json:"body,omitempty" doc:"Free-form description, may be empty" example:"Slips under load"`
}

type DeleteRequestBody struct {
	RequestID string `json:"request_id,omitempty" doc:"Identifier returned by create" example:"req_018f2b7c9d4e7a1b8c3d4e5f60718293"`
}

// Response payloads

type CreateRequestResponse struct {
	ID string `json:"id" example:"req_018f2b7c9d4e7a1b8c3d4e5f60718293"`
}

type RequestResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status" enum:"OPEN,CLOSED"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func mapRequest(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt.UTC(),
		Title:     r.Title,
		Body:      r.Body,
		Status:    string(r.Status),
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, it := range items {
		out = append(out, mapRequest(it))
	}
	return out
}
