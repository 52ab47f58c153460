package browser

import (
	"errors"
	"strings"
	"testing"
)

func TestClickErrorMapsTimeoutToSentinel(t *testing.T) {
	err := clickError("a.fare-link", errTimeout{})
	if !errors.Is(err, ErrNavigationTimeout) {
		t.Fatalf("err = %v, want ErrNavigationTimeout", err)
	}
	if !strings.Contains(err.Error(), "a.fare-link") {
		t.Errorf("error %q missing selector", err.Error())
	}
}

func TestClickErrorMapsOtherFailures(t *testing.T) {
	err := clickError("button#submit", errors.New("element is not attached to the DOM"))
	if !errors.Is(err, ErrNavigationFailed) {
		t.Fatalf("err = %v, want ErrNavigationFailed", err)
	}
	if errors.Is(err, ErrNavigationTimeout) {
		t.Error("non-timeout click failure classified as timeout")
	}
	if !strings.Contains(err.Error(), "button#submit") {
		t.Errorf("error %q missing selector", err.Error())
	}
}

func TestFilledCountDecodesEvaluateResult(t *testing.T) {
	cases := []struct {
		name   string
		result interface{}
		want   int
	}{
		{"float count", map[string]interface{}{"filled": float64(3)}, 3},
		{"int count", map[string]interface{}{"filled": 2}, 2},
		{"missing key", map[string]interface{}{}, 0},
		{"nil result", nil, 0},
		{"non-map result", "oops", 0},
	}
	for _, tc := range cases {
		if got := filledCount(tc.result); got != tc.want {
			t.Errorf("%s: filledCount = %d, want %d", tc.name, got, tc.want)
		}
	}
}
