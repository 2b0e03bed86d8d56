package gateway

import "testing"

func TestVerifySharedSecret(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		secret    string
		want      bool
	}{
		{name: "match", presented: "s3cret", secret: "s3cret", want: true},
		{name: "match with whitespace", presented: " s3cret ", secret: "s3cret", want: true},
		{name: "mismatch", presented: "wrong", secret: "s3cret", want: false},
		{name: "empty presented", presented: "", secret: "s3cret", want: false},
		{name: "empty secret fails closed", presented: "s3cret", secret: "", want: false},
		{name: "both empty fails closed", presented: "", secret: "", want: false},
	}

	for _, tt := range tests {
		if got := VerifySharedSecret(tt.presented, tt.secret); got != tt.want {
			t.Fatalf("%s: VerifySharedSecret(%q, %q) = %v, want %v", tt.name, tt.presented, tt.secret, got, tt.want)
		}
	}
}
