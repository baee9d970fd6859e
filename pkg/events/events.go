// Copyright 2021-2026 the geOrchestra Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events publishes account-creation events to the message
// broker and consumes them back for audit logging.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/identity"
	lru "github.com/hashicorp/golang-lru/v2"
)

// RoutingKey is the broker subject account events travel on.
const RoutingKey = "routing-gateway"

// SubjectAccountCreation tags messages announcing a new account.
const SubjectAccountCreation = "OAUTH2-ACCOUNT-CREATION"

const dedupSize = 10000

// UserCreated announces an auto-provisioned account.
type UserCreated struct {
	UID          string `json:"uid"`
	Subject      string `json:"subject"`
	FullName     string `json:"fullName"`
	LocalUID     string `json:"localUid"`
	Email        string `json:"email"`
	Organization string `json:"organization"`
	ProviderName string `json:"providerName"`
	ProviderUID  string `json:"providerUid"`
}

// NewUserCreated builds the event for a freshly provisioned user.
func NewUserCreated(u *identity.User) UserCreated {
	return UserCreated{
		UID:          u.Username,
		Subject:      SubjectAccountCreation,
		FullName:     strings.TrimSpace(u.FirstName + " " + u.LastName),
		LocalUID:     u.ID,
		Email:        u.Email,
		Organization: u.Organization,
		ProviderName: u.ExternalProvider,
		ProviderUID:  u.ExternalUID,
	}
}

// Emitter publishes account-creation events. Publish failures are
// logged, never propagated: provisioning already succeeded and must
// not be undone by a broker outage.
type Emitter struct {
	stream Stream
}

// NewEmitter wraps a stream. A nil stream disables emission.
func NewEmitter(stream Stream) *Emitter {
	return &Emitter{stream: stream}
}

// AccountCreated publishes the event for u. Accounts without an
// external provider (directory-born entries) emit nothing.
func (e *Emitter) AccountCreated(ctx context.Context, u *identity.User) {
	if e.stream == nil || u.ExternalProvider == "" {
		return
	}
	ev := NewUserCreated(u)
	data, err := json.Marshal(ev)
	if err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("uid", ev.UID).Msg("could not encode account-creation event")
		return
	}
	if err := e.stream.Publish(RoutingKey, data); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("uid", ev.UID).Msg("could not publish account-creation event")
		return
	}
	appctx.GetLogger(ctx).Info().Str("uid", ev.UID).Str("provider", ev.ProviderName).Msg("account-creation event published")
}

// Listener consumes account-creation events and logs each account at
// most once per process lifetime, deduplicated by uid in a bounded
// cache.
type Listener struct {
	stream Stream
	seen   *lru.Cache[string, struct{}]
}

// NewListener builds a listener on the given stream.
func NewListener(stream Stream) (*Listener, error) {
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}
	return &Listener{stream: stream, seen: seen}, nil
}

// Run consumes until the stream closes or the context ends.
func (l *Listener) Run(ctx context.Context) error {
	msgs, err := l.stream.Consume(RoutingKey)
	if err != nil {
		return err
	}
	log := appctx.GetLogger(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev UserCreated
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Warn().Err(err).Msg("discarding undecodable account event")
				continue
			}
			if ev.Subject != SubjectAccountCreation {
				continue
			}
			if _, dup := l.seen.Get(ev.UID); dup {
				continue
			}
			l.seen.Add(ev.UID, struct{}{})
			log.Info().
				Str("uid", ev.UID).
				Str("email", ev.Email).
				Str("organization", ev.Organization).
				Str("provider", ev.ProviderName).
				Msg("new account created")
		}
	}
}

// Seen reports whether the uid was already observed. Exposed for the
// dedup tests.
func (l *Listener) Seen(uid string) bool {
	_, ok := l.seen.Get(uid)
	return ok
}
