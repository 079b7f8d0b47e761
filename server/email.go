// Forge server: Email
// Copyright Alistair Cunningham 2024-2025

package main

import (
	gm "github.com/wneessen/go-mail"
	"log"
	"net/mail"
)

// email_send sends a plain text email. Failures are logged without warn(), which would recurse.
func email_send(to string, subject string, body string) {
	m := gm.NewMsg()

	from := ini_string("email", "from", "forge@localhost")
	err := m.From(from)
	if err != nil {
		log.Printf("Email failed to set from address %q: %v\n", from, err)
		return
	}
	err = m.To(to)
	if err != nil {
		log.Printf("Email failed to set to address %q: %v\n", to, err)
		return
	}
	m.Subject(subject)
	m.SetBodyString(gm.TypeTextPlain, body)

	host := ini_string("email", "host", "127.0.0.1")
	port := ini_int("email", "port", 25)
	c, err := gm.NewClient(host, gm.WithPort(port), gm.WithTLSPolicy(gm.TLSOpportunistic))
	if err != nil {
		log.Printf("Email failed to create mail client: %v\n", err)
		return
	}
	err = c.DialAndSend(m)
	if err != nil {
		log.Printf("Email failed to send message: %v\n", err)
		return
	}
}

func email_valid(address string) bool {
	_, err := mail.ParseAddress(address)
	return err == nil
}
