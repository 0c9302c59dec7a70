// Package convert maps RouterOS REST payloads to typed domain snapshots.
// The device encodes every value as a string; nothing untyped leaves this package.
package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netquota/hotspotd/internal/model"
)

// ActiveSession is one element of GET /ip/hotspot/active.
type ActiveSession struct {
	ID       string `json:".id"`
	User     string `json:"user"`
	Address  string `json:"address,omitempty"`
	MAC      string `json:"mac-address,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
	BytesIn  string `json:"bytes-in"`
	BytesOut string `json:"bytes-out"`
}

// HotspotUser is one element of GET /ip/hotspot/user.
type HotspotUser struct {
	ID       string `json:".id"`
	Name     string `json:"name"`
	Profile  string `json:"profile,omitempty"`
	Server   string `json:"server,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Disabled string `json:"disabled"`
	BytesIn  string `json:"bytes-in"`
	BytesOut string `json:"bytes-out"`
}

// IDRef is the body of write commands addressed by ".id".
type IDRef struct {
	ID string `json:".id"`
}

// SetDisabled is the body of POST /ip/hotspot/user/set.
type SetDisabled struct {
	ID       string `json:".id"`
	Disabled string `json:"disabled"`
}

// AddUser is the body of POST /ip/hotspot/user/add.
type AddUser struct {
	Server   string `json:"server"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Comment  string `json:"comment"`
	Disabled string `json:"disabled"`
}

// Ret is the {"ret": "..."} reply of add commands.
type Ret struct {
	Ret string `json:"ret"`
}

// Identity is the reply of GET /system/identity.
type Identity struct {
	Name string `json:"name"`
}

// DisabledFlag renders the value the device expects in the disabled field.
func DisabledFlag(disabled bool) string {
	if disabled {
		return "yes"
	}
	return "false"
}

// ToSessionSnapshot converts a wire session.
func ToSessionSnapshot(in ActiveSession) (model.SessionSnapshot, error) {
	bin, err := parseCounter(in.BytesIn)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session %s bytes-in: %w", in.ID, err)
	}
	bout, err := parseCounter(in.BytesOut)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session %s bytes-out: %w", in.ID, err)
	}
	return model.SessionSnapshot{SessionID: in.ID, Username: in.User, BytesIn: bin, BytesOut: bout}, nil
}

// ToRemoteAccount converts a wire hotspot user.
func ToRemoteAccount(in HotspotUser) (model.RemoteAccountSnapshot, error) {
	bin, err := parseCounter(in.BytesIn)
	if err != nil {
		return model.RemoteAccountSnapshot{}, fmt.Errorf("user %s bytes-in: %w", in.Name, err)
	}
	bout, err := parseCounter(in.BytesOut)
	if err != nil {
		return model.RemoteAccountSnapshot{}, fmt.Errorf("user %s bytes-out: %w", in.Name, err)
	}
	return model.RemoteAccountSnapshot{
		RemoteID: in.ID,
		Username: in.Name,
		BytesIn:  bin,
		BytesOut: bout,
		Disabled: parseFlag(in.Disabled),
		Comment:  in.Comment,
		Profile:  in.Profile,
		Server:   in.Server,
	}, nil
}

// FromNewAccount builds the add payload for a provisioning request.
func FromNewAccount(in model.NewRemoteAccount) AddUser {
	return AddUser{
		Server:   "all",
		Name:     in.Username,
		Password: in.Password,
		Profile:  in.Profile,
		Comment:  in.Comment,
		Disabled: strconv.FormatBool(in.Disabled),
	}
}

func parseCounter(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true
	}
	return false
}
