package scancode

import "testing"

func TestCodeStringParseRoundTrip(t *testing.T) {
	cases := []Code{
		{0, 0x1c},
		{0xe0, 0x75},
		{0, 0},
	}
	for _, c := range cases {
		s := c.String()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != c {
			t.Errorf("round trip %v -> %q -> %v", c, s, got)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "zz:00", "00", "00:zz", "00:00:00"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error", s)
		}
	}
}

func TestLookupKnownKeysAreInjectiveWithinGroup(t *testing.T) {
	seen := map[Code]string{}
	for key := range table {
		code, ok := Lookup(key)
		if !ok {
			t.Fatalf("Lookup(%q) missing from table it was read from", key)
		}
		if prev, dup := seen[code]; dup {
			t.Errorf("scan code %v assigned to both %q and %q", code, prev, key)
		}
		seen[code] = key
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("NotAKey"); ok {
		t.Error("expected unknown key to miss")
	}
}

func TestIsModifier(t *testing.T) {
	if !IsModifier("ShiftLeft") {
		t.Error("ShiftLeft should be a modifier")
	}
	if IsModifier("KeyA") {
		t.Error("KeyA should not be a modifier")
	}
}
