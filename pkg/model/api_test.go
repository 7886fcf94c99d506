package model

import "testing"

func TestRunFilter_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      RunFilter
		wantLimit  int
		wantOffset int
	}{
		{"defaults", RunFilter{}, DefaultPageSize, 0},
		{"negative limit", RunFilter{Limit: -5}, DefaultPageSize, 0},
		{"over max", RunFilter{Limit: 200}, MaxPageSize, 0},
		{"negative offset", RunFilter{Limit: 10, Offset: -3}, 10, 0},
		{"valid", RunFilter{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestRunFilter_Validate(t *testing.T) {
	tests := []struct {
		state RunState
		ok    bool
	}{
		{"", true},
		{RunStateRunning, true},
		{RunStateCompleted, true},
		{RunStateCancelled, true},
		{"PENDING", false},
		{"running", false},
	}
	for _, tt := range tests {
		apiErr := RunFilter{State: tt.state}.Validate()
		if (apiErr == nil) != tt.ok {
			t.Errorf("Validate(%q) = %v, want ok=%v", tt.state, apiErr, tt.ok)
		}
		if apiErr != nil && (apiErr.Code != ErrValidation || apiErr.Details[0].Field != "state") {
			t.Errorf("Validate(%q) = %+v", tt.state, apiErr)
		}
	}
}

func TestRunFilter_Page(t *testing.T) {
	f := RunFilter{Limit: 2, Offset: 2}
	if pg := f.Page(5); pg.Total != 5 || !pg.HasMore {
		t.Errorf("Page(5) = %+v, want more", *pg)
	}
	if pg := f.Page(4); pg.HasMore {
		t.Errorf("Page(4) = %+v, want last page", *pg)
	}
}
