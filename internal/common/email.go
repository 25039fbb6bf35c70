package common

// EmailSender delivers notification mail. The production implementation
// lives in the notify package; this interface keeps senders swappable in
// tests.
type EmailSender interface {
	Send(to, subject, html string) error
}

// Email is one captured message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// InMemoryEmail collects messages instead of delivering them.
type InMemoryEmail struct {
	Outbox []Email
}

func (m *InMemoryEmail) Send(to, subject, html string) error {
	if m == nil {
		return nil
	}
	m.Outbox = append(m.Outbox, Email{To: to, Subject: subject, HTML: html})
	return nil
}

// NopEmailSender discards everything. Used where mail is configured off.
type NopEmailSender struct{}

func (NopEmailSender) Send(string, string, string) error { return nil }
