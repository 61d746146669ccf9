package model

// Identity is the provider-assigned identity returned by a probe.
type Identity struct {
	ID          string
	DisplayName string
	Handle      string
}

// Resource is a selectable data source inside a provider: an analytics
// profile, an insights page or a database schema.
type Resource struct {
	ID   string
	Name string
}

// Grant carries what a provider callback hands back after authorization.
// OAuth2 providers fill Code. The OAuth1 micro-blog provider fills
// RequestToken and puts the verifier in Code.
type Grant struct {
	Code         string
	RequestToken string
}

// QueryResult holds the rows returned by a user database query.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}
