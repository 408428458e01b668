package context

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestContext(window int, maxAge time.Duration) (*Context, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Window: window, MaxAge: maxAge, Now: clock.Now}), clock
}

func totalTokens(records []Record) int {
	total := 0
	for _, r := range records {
		total += r.TokenCount()
	}
	return total
}

func TestTrim_BudgetInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

	for iter := 0; iter < 200; iter++ {
		window := rng.Intn(400) + 1
		ctx, _ := newTestContext(window, 0)

		n := rng.Intn(20) + 1
		var added []Record
		for i := 0; i < n; i++ {
			var sb strings.Builder
			for w := rng.Intn(60) + 1; w > 0; w-- {
				sb.WriteString(words[rng.Intn(len(words))])
				sb.WriteString(" ")
			}
			comps := []Component{NewText(sb.String())}
			if rng.Intn(5) == 0 {
				comps = append(comps, NewImage("https://cdn.example.com/a.png", DetailAuto))
			}
			added = append(added, ctx.AddUser(comps, "u"))
		}

		ctx.Trim()
		kept := ctx.Records()
		if len(kept) == 0 {
			t.Fatalf("iter %d: trim removed every record", iter)
		}
		if kept[len(kept)-1] != added[len(added)-1] {
			t.Fatalf("iter %d: newest record was not kept", iter)
		}

		total := totalTokens(kept)
		newest := added[len(added)-1].TokenCount()
		if total > window {
			if len(kept) != 1 || newest <= window {
				t.Fatalf("iter %d: total %d exceeds window %d with %d records", iter, total, window, len(kept))
			}
		}

		// Kept records must be a contiguous suffix of what was added.
		offset := len(added) - len(kept)
		for i, r := range kept {
			if r != added[offset+i] {
				t.Fatalf("iter %d: kept records are not a suffix in order", iter)
			}
		}
	}
}

func TestTrim_OversizedNewestIsKeptAlone(t *testing.T) {
	ctx, _ := newTestContext(10, 0)
	ctx.AddUser([]Component{NewText("short")}, "u")
	big := ctx.AddUser([]Component{NewText(strings.Repeat("lorem ipsum dolor sit amet ", 40))}, "u")

	ctx.Trim()
	got := ctx.Records()
	if len(got) != 1 || got[0] != big {
		t.Fatalf("expected only the oversized newest record, got %d records", len(got))
	}
}

func TestTrim_StopsAtFirstRecordThatDoesNotFit(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	small := NewText("hi")
	large := NewText(strings.Repeat("word ", 200))

	ctx.AddUser([]Component{small}, "u")
	ctx.AddUser([]Component{large}, "u")
	last := ctx.AddUser([]Component{small}, "u")

	// Room for the two small records but not the large one in between.
	ctx.window = small.Tokens()*2 + 1
	ctx.Trim()

	got := ctx.Records()
	if len(got) != 1 || got[0] != last {
		t.Fatalf("expected trimming to stop at the large record, got %d records", len(got))
	}
}

func TestTrim_UnlimitedWindow(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	for i := 0; i < 50; i++ {
		ctx.AddUser([]Component{NewText(strings.Repeat("x ", 100))}, "u")
	}
	ctx.Trim()
	if ctx.Len() != 50 {
		t.Errorf("Len() = %d, want 50", ctx.Len())
	}
}

func TestTrim_AgeInvariant(t *testing.T) {
	ctx, clock := newTestContext(0, 2*time.Hour)

	ctx.AddUser([]Component{NewText("very old")}, "u")
	clock.Advance(30 * time.Minute)
	ctx.AddUser([]Component{NewText("old")}, "u")
	clock.Advance(60 * time.Minute)
	recent := ctx.AddUser([]Component{NewText("recent")}, "u")

	// The first record is now exactly at max age.
	clock.Advance(30 * time.Minute)
	ctx.Trim()

	got := ctx.Records()
	if len(got) != 2 {
		t.Fatalf("expected 2 records after age trim, got %d", len(got))
	}
	for _, r := range got {
		if age := clock.Now().Sub(r.Base().CreatedAt); age >= 2*time.Hour {
			t.Errorf("record of age %s survived trim", age)
		}
	}
	if got[1] != recent {
		t.Error("most recent record should survive")
	}

	clock.Advance(3 * time.Hour)
	ctx.Trim()
	if ctx.Len() != 0 {
		t.Errorf("expected every record to expire, got %d", ctx.Len())
	}
}

func assertPaired(t *testing.T, records []Record) {
	t.Helper()
	calls := map[string]bool{}
	responses := map[string]bool{}
	for _, r := range records {
		switch rec := r.(type) {
		case *AssistantRecord:
			for _, id := range rec.ToolCallIDs() {
				calls[id] = true
			}
		case *ToolResponseRecord:
			if !calls[rec.ToolCallID] {
				t.Errorf("tool response %s has no earlier call", rec.ToolCallID)
			}
			responses[rec.ToolCallID] = true
		}
	}
	for id := range calls {
		if !responses[id] {
			t.Errorf("tool call %s has no response", id)
		}
	}
}

func TestTrim_PairingDropsOrphanedResponses(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	ctx.AddUser([]Component{NewText("question")}, "u")
	ctx.AddAssistant([]Component{NewMetadata("EMPTY")}, []ToolCall{{ID: "call_1", Name: "echo"}}, "tool_calls")
	ctx.AddToolResponse("call_1", map[string]any{"ok": true})
	ctx.AddAssistant([]Component{NewText("answer")}, nil, "stop")

	// Window that cannot reach the assistant with tool calls but keeps the
	// tool response.
	records := ctx.Records()
	ctx.window = records[2].TokenCount() + records[3].TokenCount()
	ctx.Trim()

	got := ctx.Records()
	assertPaired(t, got)
	for _, r := range got {
		if r.Role() == RoleTool {
			t.Error("orphaned tool response should have been dropped")
		}
	}
	if len(got) != 1 || got[0].FullText() != "answer" {
		t.Errorf("expected only the final answer to remain, got %d records", len(got))
	}
}

func TestTrim_PairingDropsUnansweredAssistant(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	ctx.AddUser([]Component{NewText("question")}, "u")
	ctx.AddAssistant(nil, []ToolCall{{ID: "a"}, {ID: "b"}}, "tool_calls")
	ctx.AddToolResponse("a", map[string]any{"result": 1})
	ctx.AddUser([]Component{NewText("follow up")}, "u")

	ctx.Trim()
	got := ctx.Records()
	assertPaired(t, got)
	if len(got) != 2 {
		t.Fatalf("expected the two user records to remain, got %d", len(got))
	}
	for _, r := range got {
		if r.Role() != RoleUser {
			t.Errorf("unexpected %s record after cleanup", r.Role())
		}
	}
}

func TestTrim_PairingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		ctx, _ := newTestContext(rng.Intn(300)+20, 0)
		callID := 0
		for step := rng.Intn(12) + 1; step > 0; step-- {
			ctx.AddUser([]Component{NewText(strings.Repeat("msg ", rng.Intn(20)+1))}, "u")
			if rng.Intn(2) == 0 {
				var calls []ToolCall
				for k := rng.Intn(3) + 1; k > 0; k-- {
					callID++
					calls = append(calls, ToolCall{ID: fmt.Sprintf("call_%d", callID), Name: "echo"})
				}
				ctx.AddAssistant([]Component{NewMetadata("EMPTY")}, calls, "tool_calls")
				for _, c := range calls {
					if rng.Intn(6) == 0 {
						continue
					}
					ctx.AddToolResponse(c.ID, map[string]any{"echo": strings.Repeat("y", rng.Intn(80))})
				}
			}
			ctx.AddAssistant([]Component{NewText("reply")}, nil, "stop")
		}
		ctx.Trim()
		assertPaired(t, ctx.Records())

		// Trimming twice changes nothing.
		first := ctx.Records()
		ctx.Trim()
		second := ctx.Records()
		if len(first) != len(second) {
			t.Fatalf("iter %d: trim is not idempotent (%d then %d)", iter, len(first), len(second))
		}
	}
}

func TestToMessage_SerializationContract(t *testing.T) {
	now := time.Now()
	withCalls := NewAssistantRecord(
		[]Component{NewText("thinking")},
		[]ToolCall{{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "<hi>"}}},
		"tool_calls", now,
	)
	tool := NewToolResponseRecord("call_1", map[string]any{"echo": "<hi>"}, now)
	plain := NewAssistantRecord([]Component{NewText("hello")}, nil, "stop", now)

	raw, err := json.Marshal(ToMessage(withCalls))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	content, present := decoded["content"]
	if !present || content != nil {
		t.Errorf("assistant with tool calls must serialize content as null, got %s", raw)
	}
	calls, ok := decoded["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("expected one tool call, got %s", raw)
	}
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != `{"text":"<hi>"}` {
		t.Errorf("arguments = %v", fn["arguments"])
	}

	raw, _ = json.Marshal(ToMessage(tool))
	decoded = nil
	_ = json.Unmarshal(raw, &decoded)
	s, ok := decoded["content"].(string)
	if !ok {
		t.Fatalf("tool content must be a string, got %s", raw)
	}
	if s != `{"echo":"<hi>"}` {
		t.Errorf("tool content = %q", s)
	}
	if decoded["tool_call_id"] != "call_1" {
		t.Errorf("tool_call_id = %v", decoded["tool_call_id"])
	}

	raw, _ = json.Marshal(ToMessage(plain))
	decoded = nil
	_ = json.Unmarshal(raw, &decoded)
	if _, ok := decoded["content"].([]any); !ok {
		t.Errorf("plain assistant content should be a part list, got %s", raw)
	}
}

func TestPreparePayload(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	ctx.AddUser([]Component{NewText("hello"), NewImage("https://x/y.png", DetailHigh)}, "alice")

	msgs := ctx.PreparePayload("be nice")
	if len(msgs) != 2 {
		t.Fatalf("expected developer + user, got %d", len(msgs))
	}
	if msgs[0].Role != RoleDeveloper {
		t.Errorf("first message role = %s, want developer", msgs[0].Role)
	}
	dev := msgs[0].Content.([]Part)
	if dev[0].Text != "be nice" {
		t.Errorf("developer text = %q", dev[0].Text)
	}
	user := msgs[1].Content.([]Part)
	if len(user) != 2 || user[1].ImageURL == nil || user[1].ImageURL.Detail != DetailHigh {
		t.Errorf("unexpected user parts: %+v", user)
	}
	if msgs[1].Name != "alice" {
		t.Errorf("name = %q", msgs[1].Name)
	}

	// The developer prompt is never stored.
	if ctx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ctx.Len())
	}
}

func TestFilterImages(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	ctx.AddUser([]Component{NewText("look"), NewImage("https://x/a.png", DetailAuto)}, "u")
	ctx.AddUser([]Component{NewImage("https://x/b.png", DetailLow)}, "u")

	ctx.FilterImages()
	for _, r := range ctx.Records() {
		if r.ContainsImage() {
			t.Error("record still contains an image")
		}
	}
	if ctx.Records()[0].FullText() != "look" {
		t.Error("text components should survive")
	}
}

func TestAppendToLastUser(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	if ctx.AppendToLastUser([]Component{NewText("x")}) {
		t.Error("append to empty context should fail")
	}
	u := ctx.AddUser([]Component{NewText("a")}, "u")
	if !ctx.AppendToLastUser([]Component{NewMetadata("FILE", KV("name", "notes.txt"))}) {
		t.Fatal("append to last user should succeed")
	}
	if len(u.Components) != 2 {
		t.Errorf("components = %d, want 2", len(u.Components))
	}
	ctx.AddAssistant([]Component{NewText("b")}, nil, "stop")
	if ctx.AppendToLastUser([]Component{NewText("c")}) {
		t.Error("append should fail when the newest record is not a user record")
	}
}

func TestRecentAndClear(t *testing.T) {
	ctx, _ := newTestContext(0, 0)
	for _, s := range []string{"1", "2", "3"} {
		ctx.AddUser([]Component{NewText(s)}, "u")
	}
	recent := ctx.Recent(2)
	if len(recent) != 2 || recent[0].FullText() != "2" || recent[1].FullText() != "3" {
		t.Errorf("Recent(2) returned unexpected records")
	}
	if got := ctx.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) = %d records, want 3", len(got))
	}
	if got := ctx.Recent(0); got != nil {
		t.Error("Recent(0) should be nil")
	}
	ctx.Clear()
	if ctx.Len() != 0 {
		t.Error("Clear() should empty the context")
	}
}

func TestStats(t *testing.T) {
	ctx, _ := newTestContext(1000, 0)
	ctx.AddUser([]Component{NewImage("https://x/a.png", DetailAuto)}, "u")
	ctx.AddAssistant([]Component{NewImage("https://x/b.png", DetailAuto)}, nil, "stop")
	ctx.AddToolResponse("orphan", nil)

	s := ctx.Stats()
	if s.TotalMessages != 3 || s.UserMessages != 1 || s.AssistantMessages != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.TotalTokens < 2*ImageTokenCost {
		t.Errorf("TotalTokens = %d, want at least %d", s.TotalTokens, 2*ImageTokenCost)
	}
	if s.ContextWindow != 1000 || s.WindowUsagePct <= 50 {
		t.Errorf("unexpected window stats: %+v", s)
	}
}
