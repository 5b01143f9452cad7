package domain

import "github.com/google/uuid"

// Notification is a toast pushed to another user through the membership
// store's notification channel (e.g. an incoming direct call).
type Notification struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	From  UserID `json:"from"`
}

func NewNotification(from UserID, title, body string) Notification {
	return Notification{
		ID:    uuid.NewString(),
		Title: title,
		Body:  body,
		From:  from,
	}
}
