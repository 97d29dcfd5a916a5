package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/stories/abc":                        "/v1/stories/:id",
		"/v1/stories/abc/distributions":          "/v1/stories/:id/distributions",
		"/v1/distributions/d1/revoke":            "/v1/distributions/:id/revoke",
		"/v1/embeds/t1/revoke":                   "/v1/embeds/:id/revoke",
		"/v1/embed/stories/abc?token=secret":     "/v1/embed/stories/:id",
		"/v1/deletion-requests/r1/verify":        "/v1/deletion-requests/:id/verify",
		"/v1/stories/abc/revocation-preview?x=1": "/v1/stories/:id/revocation-preview",
		"/v1/me/export":                          "/v1/me/export",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
