package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
)

// credentialDoc is the JSON layout of the accounts.credentials column. Token
// fields are opaque provider strings; the database password is already
// ciphertext when it reaches this layer.
type credentialDoc struct {
	Analytics *analyticsDoc `json:"analytics,omitempty"`
	Insights  *insightsDoc  `json:"insights,omitempty"`
	Microblog *microblogDoc `json:"microblog,omitempty"`
	Database  *databaseDoc  `json:"database,omitempty"`
}

type analyticsDoc struct {
	ID                string    `json:"id,omitempty"`
	Name              string    `json:"name,omitempty"`
	AccessToken       string    `json:"access_token,omitempty"`
	RefreshToken      string    `json:"refresh_token,omitempty"`
	TokenType         string    `json:"token_type,omitempty"`
	Expiry            time.Time `json:"expiry,omitzero"`
	DefaultResourceID string    `json:"default_profile_id,omitempty"`
}

type insightsDoc struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	Token             string `json:"token,omitempty"`
	DefaultResourceID string `json:"default_page_id,omitempty"`
}

type microblogDoc struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Handle      string `json:"handle,omitempty"`
	Token       string `json:"access_token,omitempty"`
	TokenSecret string `json:"access_token_secret,omitempty"`
}

type databaseDoc struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port,omitempty"`
	Database      string `json:"db"`
	Username      string `json:"username"`
	PasswordEnc   string `json:"password_enc"`
	DefaultSchema string `json:"default_schema,omitempty"`
}

func encodeCredentials(set model.CredentialSet) (string, error) {
	var doc credentialDoc

	if c := set.Analytics; c != nil {
		doc.Analytics = &analyticsDoc{
			ID:                c.IdentityID,
			Name:              c.DisplayName,
			AccessToken:       c.Token.AccessToken,
			RefreshToken:      c.Token.RefreshToken,
			TokenType:         c.Token.TokenType,
			Expiry:            c.Token.Expiry.UTC(),
			DefaultResourceID: c.DefaultResourceID,
		}
	}
	if c := set.Insights; c != nil {
		doc.Insights = &insightsDoc{
			ID:                c.IdentityID,
			Name:              c.DisplayName,
			Token:             c.AccessToken,
			DefaultResourceID: c.DefaultResourceID,
		}
	}
	if c := set.Microblog; c != nil {
		doc.Microblog = &microblogDoc{
			ID:          c.IdentityID,
			Name:        c.DisplayName,
			Handle:      c.Handle,
			Token:       c.Token,
			TokenSecret: c.TokenSecret,
		}
	}
	if c := set.Database; c != nil {
		doc.Database = &databaseDoc{
			Hostname:      c.Hostname,
			Port:          c.Port,
			Database:      c.Database,
			Username:      c.Username,
			PasswordEnc:   c.PasswordEnc,
			DefaultSchema: c.DefaultSchema,
		}
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(b), nil
}

func decodeCredentials(raw string) (model.CredentialSet, error) {
	var set model.CredentialSet
	if raw == "" {
		return set, nil
	}

	var doc credentialDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return set, fmt.Errorf("decode credentials: %w", err)
	}

	if d := doc.Analytics; d != nil {
		set.Analytics = &model.AnalyticsCredential{
			IdentityID:  d.ID,
			DisplayName: d.Name,
			Token: model.TokenBundle{
				AccessToken:  d.AccessToken,
				RefreshToken: d.RefreshToken,
				TokenType:    d.TokenType,
				Expiry:       d.Expiry,
			},
			DefaultResourceID: d.DefaultResourceID,
		}
	}
	if d := doc.Insights; d != nil {
		set.Insights = &model.InsightsCredential{
			IdentityID:        d.ID,
			DisplayName:       d.Name,
			AccessToken:       d.Token,
			DefaultResourceID: d.DefaultResourceID,
		}
	}
	if d := doc.Microblog; d != nil {
		set.Microblog = &model.MicroblogCredential{
			IdentityID:  d.ID,
			DisplayName: d.Name,
			Handle:      d.Handle,
			Token:       d.Token,
			TokenSecret: d.TokenSecret,
		}
	}
	if d := doc.Database; d != nil {
		set.Database = &model.DatabaseCredential{
			Hostname:      d.Hostname,
			Port:          d.Port,
			Database:      d.Database,
			Username:      d.Username,
			PasswordEnc:   d.PasswordEnc,
			DefaultSchema: d.DefaultSchema,
		}
	}

	return set, nil
}
