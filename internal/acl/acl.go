// Package acl implements the first-match access rule lists used for
// realm access, realm administration, messaging, online visibility, and
// peer servers.
package acl

import (
	"fmt"
	"strings"
)

// Kind names the rule lists a player or realm can carry.
type Kind string

const (
	KindAccess   Kind = "access"
	KindAdmin    Kind = "admin"
	KindMessage  Kind = "message"
	KindOnline   Kind = "online"
	KindLocation Kind = "location"
	KindNewRealm Kind = "new_realm"
)

// A Rule matches principals against one of four subject shapes:
//
//	*                any principal
//	*@server         any player on server
//	player@server    one remote player
//	player           one local player
type Rule struct {
	Player string // empty = wildcard
	Server string // empty = local-only
	AnyOn  bool   // true for *@server
	Any    bool   // true for *
	Allow  bool
}

// Parse converts a textual subject into a rule.
func Parse(subject string, allow bool) (Rule, error) {
	if subject == "" {
		return Rule{}, fmt.Errorf("acl: empty subject")
	}
	if subject == "*" {
		return Rule{Any: true, Allow: allow}, nil
	}
	name, server, remote := strings.Cut(subject, "@")
	if !remote {
		return Rule{Player: name, Allow: allow}, nil
	}
	if server == "" {
		return Rule{}, fmt.Errorf("acl: subject %q has empty server", subject)
	}
	if name == "*" {
		return Rule{Server: server, AnyOn: true, Allow: allow}, nil
	}
	if name == "" {
		return Rule{}, fmt.Errorf("acl: subject %q has empty player", subject)
	}
	return Rule{Player: name, Server: server, Allow: allow}, nil
}

// Subject renders the rule back to its textual form.
func (r Rule) Subject() string {
	switch {
	case r.Any:
		return "*"
	case r.AnyOn:
		return "*@" + r.Server
	case r.Server != "":
		return r.Player + "@" + r.Server
	default:
		return r.Player
	}
}

func (r Rule) matches(player, server string) bool {
	switch {
	case r.Any:
		return true
	case r.AnyOn:
		return r.Server == server
	case r.Server != "":
		return r.Player == player && r.Server == server
	default:
		return r.Player == player && server == ""
	}
}

// List is an ordered rule list with a default verdict when no rule
// matches. Access lists default deny; message lists default allow.
type List struct {
	Rules   []Rule
	Default bool
}

// DefaultAccess is the default-deny list used for realm access and admin.
func DefaultAccess() List { return List{} }

// DefaultMessage is the default-allow list used for chat gating.
func DefaultMessage() List { return List{Default: true} }

// Check evaluates the list for a principal. Local players pass an empty
// server. First match wins.
func (l List) Check(player, server string) bool {
	for _, r := range l.Rules {
		if r.matches(player, server) {
			return r.Allow
		}
	}
	return l.Default
}

// CheckPrincipal splits a name@server principal and evaluates it. A bare
// name is treated as local.
func (l List) CheckPrincipal(principal string) bool {
	name, server, _ := strings.Cut(principal, "@")
	return l.Check(name, server)
}
