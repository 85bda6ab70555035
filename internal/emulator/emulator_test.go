package emulator

import (
	"testing"

	"termd/internal/proto"
)

func TestNew_GetScreen_Dimensions(t *testing.T) {
	e := New(24, 80, 100, nil)
	screen := e.GetScreen(proto.FormatPlain)
	if screen.Rows != 24 || screen.Cols != 80 {
		t.Fatalf("GetScreen dims = %dx%d, want 24x80", screen.Rows, screen.Cols)
	}
	if len(screen.Lines) != 24 {
		t.Fatalf("len(Lines) = %d, want 24", len(screen.Lines))
	}
}

func TestWrite_EmitsLineEvent(t *testing.T) {
	var events []proto.Event
	e := New(24, 80, 100, func(ev proto.Event) {
		events = append(events, ev)
	})
	e.Write([]byte("hello\r\n"))

	var sawLine bool
	for _, ev := range events {
		if ev.Kind == proto.EventLine {
			sawLine = true
		}
	}
	if !sawLine {
		t.Fatalf("expected a line event, got %+v", events)
	}
}

func TestWrite_EpochMonotonic(t *testing.T) {
	e := New(24, 80, 100, nil)
	before := e.Epoch()
	e.Write([]byte("hi\r\n"))
	after := e.Epoch()
	if after <= before {
		t.Fatalf("epoch did not advance: before=%d after=%d", before, after)
	}
}

func TestWrite_SeqStrictlyIncreasing(t *testing.T) {
	var seqs []int64
	e := New(24, 80, 100, func(ev proto.Event) {
		seqs = append(seqs, ev.Seq)
	})
	e.Write([]byte("line one\r\nline two\r\n"))
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not strictly increasing: %v", seqs)
		}
	}
}

func TestResize_EmitsResetResize(t *testing.T) {
	var reasons []proto.ResetReason
	e := New(24, 80, 100, func(ev proto.Event) {
		if ev.Kind == proto.EventReset {
			reasons = append(reasons, ev.Reason)
		}
	})
	e.Resize(30, 120)
	if len(reasons) != 1 || reasons[0] != proto.ResetResize {
		t.Fatalf("reasons = %v, want [resize]", reasons)
	}
	screen := e.GetScreen(proto.FormatPlain)
	if screen.Rows != 30 || screen.Cols != 120 {
		t.Fatalf("GetScreen dims after resize = %dx%d, want 30x120", screen.Rows, screen.Cols)
	}
}

func TestReset_EmitsHardReset(t *testing.T) {
	var reasons []proto.ResetReason
	e := New(24, 80, 100, func(ev proto.Event) {
		if ev.Kind == proto.EventReset {
			reasons = append(reasons, ev.Reason)
		}
	})
	e.Reset()
	if len(reasons) != 1 || reasons[0] != proto.ResetHardReset {
		t.Fatalf("reasons = %v, want [hard_reset]", reasons)
	}
}

func TestAlternateActive_TracksDECSET1049(t *testing.T) {
	e := New(24, 80, 100, nil)
	if e.AlternateActive() {
		t.Fatal("expected alt screen inactive initially")
	}
	e.Write([]byte("\x1b[?1049h"))
	if !e.AlternateActive() {
		t.Fatal("expected alt screen active after DECSET 1049")
	}
	e.Write([]byte("\x1b[?1049l"))
	if e.AlternateActive() {
		t.Fatal("expected alt screen inactive after DECRST 1049")
	}
}

func TestAlternateExit_EmitsAlternateScreenExitReset(t *testing.T) {
	var reasons []proto.ResetReason
	e := New(24, 80, 100, func(ev proto.Event) {
		if ev.Kind == proto.EventReset {
			reasons = append(reasons, ev.Reason)
		}
	})
	e.Write([]byte("\x1b[?1049h"))
	e.Write([]byte("\x1b[?1049l"))
	if len(reasons) == 0 || reasons[len(reasons)-1] != proto.ResetAlternateScreenExit {
		t.Fatalf("reasons = %v, want last to be alternate_screen_exit", reasons)
	}
}

func TestRespondOSCQueries_AnswersForegroundBackground(t *testing.T) {
	e := New(24, 80, 100, nil)
	e.SetOSCColors("rgb:1111/1111/1111", "rgb:2222/2222/2222")
	out := e.RespondOSCQueries([]byte("\x1b]10;?\x07\x1b]11;?\x07"))
	if len(out) == 0 {
		t.Fatal("expected OSC response bytes")
	}
}

func TestDecodeSGR_BoldAndColor(t *testing.T) {
	st := decodeSGR("\x1b[1;31m")
	if !st.Bold {
		t.Error("expected bold")
	}
	if st.Fg == nil || st.Fg.Indexed == nil || *st.Fg.Indexed != 1 {
		t.Errorf("expected indexed fg 1, got %+v", st.Fg)
	}
}

func TestDecodeSGR_TrueColor(t *testing.T) {
	st := decodeSGR("\x1b[38;2;10;20;30m")
	if st.Fg == nil || st.Fg.RGB == nil {
		t.Fatal("expected rgb fg")
	}
	if st.Fg.RGB.R != 10 || st.Fg.RGB.G != 20 || st.Fg.RGB.B != 30 {
		t.Errorf("got %+v", st.Fg.RGB)
	}
}

func TestParseAnsiLine_IncrementalStyle(t *testing.T) {
	line := parseAnsiLine("\x1b[1ma\x1b[31mb\x1b[0mc")
	if len(line.Spans) != 3 {
		t.Fatalf("expected 3 spans, got %d: %+v", len(line.Spans), line.Spans)
	}
	if !line.Spans[0].Bold {
		t.Error("span 0 should be bold")
	}
	if !line.Spans[1].Bold || line.Spans[1].Fg == nil {
		t.Error("span 1 should keep bold and add fg")
	}
	if line.Spans[2].Bold || line.Spans[2].Fg != nil {
		t.Error("span 2 should be reset")
	}
}

func TestGetScrollback_BoundedEviction(t *testing.T) {
	e := New(5, 20, 3, nil)
	for i := 0; i < 10; i++ {
		e.scrollback.push("line")
	}
	page := e.GetScrollback(0, 100, proto.FormatPlain)
	if page.TotalLines != 3 {
		t.Fatalf("TotalLines = %d, want 3 (bounded)", page.TotalLines)
	}
	if len(page.Lines) != 3 {
		t.Fatalf("len(Lines) = %d, want 3", len(page.Lines))
	}
}
