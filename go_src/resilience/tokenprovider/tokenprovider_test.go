package tokenprovider

import "testing"

func TestAdaptDelegatesToFunc(t *testing.T) {
	calls := 0
	p := Adapt(func() (string, error) {
		calls++
		return "tok-123", nil
	})
	tok, err := p.GetToken()
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok-123" || calls != 1 {
		t.Errorf("unexpected delegation: tok=%q calls=%d", tok, calls)
	}
}

func TestStaticRejectsEmpty(t *testing.T) {
	if _, err := Static("").GetToken(); err == nil {
		t.Error("expected error for empty static token")
	}
}

func TestStaticReturnsConfiguredToken(t *testing.T) {
	tok, err := Static("abc").GetToken()
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "abc" {
		t.Errorf("GetToken() = %q, want %q", tok, "abc")
	}
}
