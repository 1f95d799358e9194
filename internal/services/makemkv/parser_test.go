package makemkv_test

import (
	"testing"

	"ripley/internal/services/makemkv"
)

func TestParseProgressTriplet(t *testing.T) {
	event, ok := makemkv.ParseLine("PRGV:32768,16384,65536")
	if !ok {
		t.Fatal("expected progress event")
	}
	if event.Kind != makemkv.EventProgress {
		t.Fatalf("unexpected kind %v", event.Kind)
	}
	if got := event.Progress.Percent(); got != 50.0 {
		t.Fatalf("expected 50%%, got %v", got)
	}
}

func TestProgressPercentClipsBelowHundred(t *testing.T) {
	event, ok := makemkv.ParseLine("PRGV:65536,65536,65536")
	if !ok {
		t.Fatal("expected progress event")
	}
	if got := event.Progress.Percent(); got >= 100 {
		t.Fatalf("percent must stay below 100, got %v", got)
	}
}

func TestParseReadErrorLine(t *testing.T) {
	line := `MSG:2003,0,3,"Error 'Scsi error - MEDIUM ERROR:UNRECOVERED READ ERROR' occurred while reading 'DVD-R UJ8E2' at offset '1048576'","%1","Scsi error"`
	event, ok := makemkv.ParseLine(line)
	if !ok {
		t.Fatal("expected event")
	}
	if event.Kind != makemkv.EventReadError {
		t.Fatalf("unexpected kind %v", event.Kind)
	}
	re := event.ReadError
	if re.Classification != "Scsi error - MEDIUM ERROR:UNRECOVERED READ ERROR" {
		t.Fatalf("unexpected classification %q", re.Classification)
	}
	if re.SourcePath != "DVD-R UJ8E2" {
		t.Fatalf("unexpected source %q", re.SourcePath)
	}
	if re.Offset != 1048576 {
		t.Fatalf("unexpected offset %d", re.Offset)
	}
}

func TestParseFatalOnZeroTitlesSaved(t *testing.T) {
	line := `MSG:5037,0,2,"Copy complete. 0 titles saved, 1 failed.","%1","Copy complete"`
	event, ok := makemkv.ParseLine(line)
	if !ok {
		t.Fatal("expected event")
	}
	if event.Kind != makemkv.EventFatal {
		t.Fatalf("zero titles saved must be fatal, got kind %v", event.Kind)
	}
}

func TestParseSummaryWithSavedTitlesIsInfo(t *testing.T) {
	line := `MSG:5037,0,2,"Copy complete. 2 titles saved, 0 failed.","%1","Copy complete"`
	event, ok := makemkv.ParseLine(line)
	if !ok {
		t.Fatal("expected event")
	}
	if event.Kind != makemkv.EventInfo {
		t.Fatalf("successful summary should be info, got kind %v", event.Kind)
	}
}

func TestParseFailedToSaveIsFatal(t *testing.T) {
	line := `MSG:5003,0,1,"Failed to save title 0 to file /tmp/out/title_t00.mkv","%1"`
	event, ok := makemkv.ParseLine(line)
	if !ok || event.Kind != makemkv.EventFatal {
		t.Fatalf("failed-to-save must be fatal, got %+v ok=%v", event, ok)
	}
}

func TestParseTrackInfoDuration(t *testing.T) {
	event, ok := makemkv.ParseLine(`TINFO:0,9,0,"1:30:11"`)
	if !ok || event.Kind != makemkv.EventTrackInfo {
		t.Fatalf("expected track info, got %+v ok=%v", event, ok)
	}
	if event.Track.TitleID != 0 || event.Track.Attr != makemkv.TrackAttrDuration {
		t.Fatalf("unexpected track fields %+v", event.Track)
	}
	seconds, ok := makemkv.ParseDurationSeconds(event.Track.Value)
	if !ok || seconds != 5411 {
		t.Fatalf("expected 5411s, got %v ok=%v", seconds, ok)
	}
}

func TestParseIgnoresIrrelevantLines(t *testing.T) {
	for _, line := range []string{
		"",
		`DRV:0,2,999,1,"BD-RE HL-DT-ST","SAMPLE","/dev/sr0"`,
		"TCOUNT:12",
		"garbage line",
	} {
		if _, ok := makemkv.ParseLine(line); ok {
			t.Fatalf("line %q should be ignored", line)
		}
	}
}

func TestQuotedCommasSurviveFieldSplit(t *testing.T) {
	line := `MSG:1005,0,1,"MakeMKV v1.17.5 linux(x64-release) started, happy ripping","%1"`
	event, ok := makemkv.ParseLine(line)
	if !ok {
		t.Fatal("expected event")
	}
	if event.Message != "MakeMKV v1.17.5 linux(x64-release) started, happy ripping" {
		t.Fatalf("comma inside quotes was split: %q", event.Message)
	}
}

func TestRipArgs(t *testing.T) {
	args := makemkv.RipArgs(0, 2, "/tmp/out")
	want := []string{"--robot", "--progress=-same", "mkv", "disc:0", "2", "/tmp/out"}
	if len(args) != len(want) {
		t.Fatalf("unexpected args %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: got %q want %q", i, args[i], want[i])
		}
	}
	all := makemkv.RipArgs(1, -1, "/tmp/out")
	if all[4] != "all" {
		t.Fatalf("expected all selector, got %v", all)
	}
}
