package model

import "time"

// CredentialSet holds the per-provider credential slices owned by one Account.
// A nil slice means the provider is not linked.
type CredentialSet struct {
	Analytics *AnalyticsCredential
	Insights  *InsightsCredential
	Microblog *MicroblogCredential
	Database  *DatabaseCredential
}

// TokenBundle is the opaque token material issued by an OAuth2 provider.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// AnalyticsCredential is the analytics-reporting provider's slice.
type AnalyticsCredential struct {
	IdentityID        string
	DisplayName       string
	Token             TokenBundle
	DefaultResourceID string
}

// InsightsCredential is the social-insights provider's slice. The bearer
// token has no refresh token; re-authorization is the only recovery path.
type InsightsCredential struct {
	IdentityID        string
	DisplayName       string
	AccessToken       string
	DefaultResourceID string
}

// MicroblogCredential is the micro-blog provider's OAuth1 slice. There is no
// expiry; validity is only known by calling the provider.
type MicroblogCredential struct {
	IdentityID  string
	DisplayName string
	Handle      string
	Token       string
	TokenSecret string
}

// DatabaseCredential describes a user-supplied PostgreSQL connection.
// PasswordEnc is ciphertext produced by the process secret box.
type DatabaseCredential struct {
	Hostname      string
	Port          int
	Database      string
	Username      string
	PasswordEnc   string
	DefaultSchema string
}

// Linked reports whether the slice carries token material.
func (c *AnalyticsCredential) Linked() bool {
	return c != nil && (c.Token.AccessToken != "" || c.Token.RefreshToken != "")
}

// Active reports whether the slice is linked and its identity is known.
func (c *AnalyticsCredential) Active() bool { return c.Linked() && c.IdentityID != "" }

// Linked reports whether the slice carries a bearer token.
func (c *InsightsCredential) Linked() bool { return c != nil && c.AccessToken != "" }

// Active reports whether the slice is linked and its identity is known.
func (c *InsightsCredential) Active() bool { return c.Linked() && c.IdentityID != "" }

// Linked reports whether the slice carries an OAuth1 token pair.
func (c *MicroblogCredential) Linked() bool {
	return c != nil && c.Token != "" && c.TokenSecret != ""
}

// Active reports whether the slice is linked and its identity is known.
func (c *MicroblogCredential) Active() bool { return c.Linked() && c.IdentityID != "" }

// Linked reports whether enough is stored to open a connection.
func (c *DatabaseCredential) Linked() bool {
	return c != nil && c.Hostname != "" && c.Username != "" && c.Database != ""
}

// SameTarget reports whether two credentials open the same connection. The
// default schema is a session attribute and does not count.
func (c *DatabaseCredential) SameTarget(o *DatabaseCredential) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Hostname == o.Hostname &&
		c.Port == o.Port &&
		c.Database == o.Database &&
		c.Username == o.Username &&
		c.PasswordEnc == o.PasswordEnc
}

// IsLinked reports whether the given provider's slice is present.
func (s *CredentialSet) IsLinked(p Provider) bool {
	switch p {
	case ProviderAnalytics:
		return s.Analytics.Linked()
	case ProviderInsights:
		return s.Insights.Linked()
	case ProviderMicroblog:
		return s.Microblog.Linked()
	case ProviderDatabase:
		return s.Database.Linked()
	}
	return false
}

// Clear removes the given provider's slice.
func (s *CredentialSet) Clear(p Provider) {
	switch p {
	case ProviderAnalytics:
		s.Analytics = nil
	case ProviderInsights:
		s.Insights = nil
	case ProviderMicroblog:
		s.Microblog = nil
	case ProviderDatabase:
		s.Database = nil
	}
}

// CopyFrom replaces the given provider's slice with the one held by src.
func (s *CredentialSet) CopyFrom(src CredentialSet, p Provider) {
	switch p {
	case ProviderAnalytics:
		s.Analytics = src.Analytics
	case ProviderInsights:
		s.Insights = src.Insights
	case ProviderMicroblog:
		s.Microblog = src.Microblog
	case ProviderDatabase:
		s.Database = src.Database
	}
}

// Clone returns a deep copy so concurrent tasks never share slice pointers.
func (s CredentialSet) Clone() CredentialSet {
	var out CredentialSet
	if s.Analytics != nil {
		v := *s.Analytics
		out.Analytics = &v
	}
	if s.Insights != nil {
		v := *s.Insights
		out.Insights = &v
	}
	if s.Microblog != nil {
		v := *s.Microblog
		out.Microblog = &v
	}
	if s.Database != nil {
		v := *s.Database
		out.Database = &v
	}
	return out
}

// IsActive reports whether the provider's slice is linked and its identity
// is known. A database credential has no separate identity.
func (s *CredentialSet) IsActive(p Provider) bool {
	switch p {
	case ProviderAnalytics:
		return s.Analytics.Active()
	case ProviderInsights:
		return s.Insights.Active()
	case ProviderMicroblog:
		return s.Microblog.Active()
	case ProviderDatabase:
		return s.Database.Linked()
	}
	return false
}

// SetIdentity records a probed identity on the provider's slice.
func (s *CredentialSet) SetIdentity(p Provider, id Identity) {
	switch p {
	case ProviderAnalytics:
		if s.Analytics != nil {
			s.Analytics.IdentityID, s.Analytics.DisplayName = id.ID, id.DisplayName
		}
	case ProviderInsights:
		if s.Insights != nil {
			s.Insights.IdentityID, s.Insights.DisplayName = id.ID, id.DisplayName
		}
	case ProviderMicroblog:
		if s.Microblog != nil {
			s.Microblog.IdentityID, s.Microblog.DisplayName = id.ID, id.DisplayName
			s.Microblog.Handle = id.Handle
		}
	}
}

// DefaultResource returns the stored default resource id, if any.
func (s *CredentialSet) DefaultResource(p Provider) string {
	switch p {
	case ProviderAnalytics:
		if s.Analytics != nil {
			return s.Analytics.DefaultResourceID
		}
	case ProviderInsights:
		if s.Insights != nil {
			return s.Insights.DefaultResourceID
		}
	case ProviderDatabase:
		if s.Database != nil {
			return s.Database.DefaultSchema
		}
	}
	return ""
}

// SetDefaultResource stores the default resource id on a linked slice.
func (s *CredentialSet) SetDefaultResource(p Provider, id string) error {
	if !s.IsLinked(p) {
		return ErrNotLinked
	}
	switch p {
	case ProviderAnalytics:
		s.Analytics.DefaultResourceID = id
	case ProviderInsights:
		s.Insights.DefaultResourceID = id
	case ProviderDatabase:
		s.Database.DefaultSchema = id
	default:
		return ErrNotSupported
	}
	return nil
}

// SameSlice reports whether both sets hold equal slices for the provider.
func (s *CredentialSet) SameSlice(o *CredentialSet, p Provider) bool {
	switch p {
	case ProviderAnalytics:
		a, b := s.Analytics, o.Analytics
		if a == nil || b == nil {
			return a == b
		}
		return a.IdentityID == b.IdentityID &&
			a.DisplayName == b.DisplayName &&
			a.DefaultResourceID == b.DefaultResourceID &&
			a.Token.AccessToken == b.Token.AccessToken &&
			a.Token.RefreshToken == b.Token.RefreshToken &&
			a.Token.TokenType == b.Token.TokenType &&
			a.Token.Expiry.Equal(b.Token.Expiry)
	case ProviderInsights:
		a, b := s.Insights, o.Insights
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	case ProviderMicroblog:
		a, b := s.Microblog, o.Microblog
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	case ProviderDatabase:
		a, b := s.Database, o.Database
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}
	return false
}
