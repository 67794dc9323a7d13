package imap

import (
	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client for the XOAUTH2 mechanism used by
// Gmail and Outlook. token is an OAuth2 access token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	// go-sasl base64-encodes the initial response itself.
	return "XOAUTH2", []byte(xoauth2.OAuth2String(c.username, c.token)), nil
}

// Next answers the JSON error challenge a server sends on failure with an
// empty response, after which the server replies NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
