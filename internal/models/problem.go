package models

import (
	"encoding/json"
	"net/http"
)

// Problem — тело ошибки в духе RFC 7807 (без type/instance, нам хватает).
type Problem struct {
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// WriteProblem пишет структурированную ошибку; сырые тексты драйверов
// наружу не уходят — только короткий detail.
func WriteProblem(w http.ResponseWriter, status int, title, detail string, fields map[string]string) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Fields: fields,
	})
}
