package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MaxChannelLen = 64
	MaxUIDLen     = 255
)

// ErrInvalidCredentials wraps every Validate failure.
var ErrInvalidCredentials = errors.New("invalid credentials")

var (
	ErrAppIDEmpty      = errors.New("app id empty")
	ErrChannelEmpty    = errors.New("channel empty")
	ErrChannelTooLong  = errors.New("channel too long")
	ErrChannelInvalid  = errors.New("channel contains unsupported characters")
	ErrUIDTooLong      = errors.New("uid too long")
	ErrUnsupportedKind = errors.New("unsupported media kind")
)

// channelPunct lists the non-alphanumeric characters a channel name may hold.
const channelPunct = " !#$%&()+-:;<=.>?@[]^_{}|~,"

// Credentials are handed to the provider on join. Token may be empty
// for projects without token auth; UID empty lets the provider pick one.
type Credentials struct {
	AppID   string        `json:"app_id"`
	Channel string        `json:"channel"`
	Token   string        `json:"token,omitempty"`
	UID     ParticipantID `json:"uid,omitempty"`
}

func (c Credentials) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return nil
}

func (c Credentials) validate() error {
	if c.AppID == "" {
		return ErrAppIDEmpty
	}
	if len(c.Channel) == 0 {
		return ErrChannelEmpty
	}
	if len(c.Channel) > MaxChannelLen {
		return ErrChannelTooLong
	}
	for _, r := range c.Channel {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		if !strings.ContainsRune(channelPunct, r) {
			return ErrChannelInvalid
		}
	}
	if len(c.UID) > MaxUIDLen {
		return ErrUIDTooLong
	}
	return nil
}
