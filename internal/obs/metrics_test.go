package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/resources/01ABC":               "/v1/resources/:id",
		"/v1/resources/01ABC/fields/db_url": "/v1/resources/:id/fields/:name",
		"/v1/resources/01ABC/guardians":     "/v1/resources/:id/guardians",
		"/v1/resources/01ABC/totp":          "/v1/resources/:id/totp",
		"/v1/approvals/01XYZ/decision":      "/v1/approvals/:id/decision",
		"/v1/approvals?resource=01ABC":      "/v1/approvals",
		"/v1/device/code":                   "/v1/device/code",
		"/v1/device/BCDF-GHJK/approve":      "/v1/device/:code/approve",
		"/v1/events":                        "/v1/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
