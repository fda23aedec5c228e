package screen

import "testing"

func TestEmergencyPhrases(t *testing.T) {
	s := Default()
	cases := []struct {
		text string
		want bool
	}{
		{"My patient is having a HEART ATTACK", true},
		{"I can’t breathe", true},
		{"he said  call   911 please", true},
		{"history of heart attacks, stable now", false},
		{"referral for chest pain evaluation", false},
		{"heart attacks in 2019 and a heart attack now", true},
		{"Reason for referral: patient had a heart attack in 2019, now has palpitations", false},
		{"prior MI, severe chest pain on exertion last month", false},
		{"my patient has chest pain right now", true},
	}
	for _, tc := range cases {
		if _, got := s.Emergency(tc.text); got != tc.want {
			t.Fatalf("Emergency(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestLongestPhraseReported(t *testing.T) {
	s := New(Phrases{Emergency: []string{"chest pain", "severe chest pain"}})
	hit, ok := s.Emergency("severe chest pain since this morning")
	if !ok {
		t.Fatalf("expected hit")
	}
	if hit.Phrase != "severe chest pain" || hit.Kind != KindEmergency {
		t.Fatalf("unexpected hit: %+v", hit)
	}
}

func TestCancelPhrases(t *testing.T) {
	s := Default()
	cases := []struct {
		text string
		want bool
	}{
		{"Please cancel the referral.", true},
		{"Never mind.", true},
		{"  nevermind!! ", true},
		{"Never mind the middle name, it's Dr. Jane Doe", false},
		{"please don't cancel the referrals list", false},
		{"can you cancel my appointment reminder and keep going", false},
	}
	for _, tc := range cases {
		if _, got := s.Cancel(tc.text); got != tc.want {
			t.Fatalf("Cancel(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestCancelUtterancesConfigurable(t *testing.T) {
	s := New(Phrases{CancelUtterances: []string{"Stop."}})
	hit, ok := s.Cancel("stop")
	if !ok {
		t.Fatalf("expected whole-message cancel hit")
	}
	if hit.Phrase != "stop" || hit.Kind != KindCancel {
		t.Fatalf("unexpected hit: %+v", hit)
	}
	if _, ok := s.Cancel("never mind"); ok {
		t.Fatalf("configured utterances replace the defaults")
	}
}

func TestOutOfScopeHasNoDefaults(t *testing.T) {
	if _, ok := Default().OutOfScope("I need a dermatology referral"); ok {
		t.Fatalf("no out-of-scope phrases configured")
	}
	s := New(Phrases{OutOfScope: []string{"Dermatology"}})
	if _, ok := s.OutOfScope("I need a dermatology referral"); !ok {
		t.Fatalf("expected out-of-scope hit")
	}
}
