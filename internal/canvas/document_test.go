package canvas

import (
	"errors"
	"sync"
	"testing"

	"canvaslink/internal/domain"
)

// buildFixture returns a document with a known shape:
//
//	hero (frame)
//	  title (text "Hello")
//	  body (text "World")
//	  box (rectangle)
//	banner (text "Sale")
func buildFixture(t *testing.T) (*Document, map[string]string) {
	t.Helper()
	doc := NewDocument("Fixture")
	ids := make(map[string]string)

	hero, err := doc.CreateFrame("", "hero", 0, 0, 800, 600)
	if err != nil {
		t.Fatalf("create hero: %v", err)
	}
	ids["hero"] = hero.ID

	title, err := doc.CreateText(hero.ID, "title", "Hello", 10, 10, 24)
	if err != nil {
		t.Fatalf("create title: %v", err)
	}
	ids["title"] = title.ID

	body, err := doc.CreateText(hero.ID, "body", "World", 10, 50, 16)
	if err != nil {
		t.Fatalf("create body: %v", err)
	}
	ids["body"] = body.ID

	box, err := doc.CreateRectangle(hero.ID, "box", 10, 100, 200, 80)
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	ids["box"] = box.ID

	banner, err := doc.CreateText("", "banner", "Sale", 0, 700, 32)
	if err != nil {
		t.Fatalf("create banner: %v", err)
	}
	ids["banner"] = banner.ID

	return doc, ids
}

func TestNewDocumentIsEmpty(t *testing.T) {
	doc := NewDocument("Untitled")

	info := doc.Info()
	if info.Name != "Untitled" {
		t.Errorf("name = %q, want Untitled", info.Name)
	}
	if info.NodeCount != 0 || len(info.TopLevel) != 0 {
		t.Errorf("counts = %d/%d, want 0/0", info.NodeCount, len(info.TopLevel))
	}
}

func TestCreateAssignsIDAndParentage(t *testing.T) {
	doc := NewDocument("Doc")

	frame, err := doc.CreateFrame("", "root", 0, 0, 100, 100)
	if err != nil {
		t.Fatalf("create frame: %v", err)
	}
	if frame.ID == "" {
		t.Fatal("frame has no id")
	}
	if frame.Type != NodeFrame {
		t.Errorf("type = %q, want %q", frame.Type, NodeFrame)
	}

	rect, err := doc.CreateRectangle(frame.ID, "child", 5, 5, 10, 10)
	if err != nil {
		t.Fatalf("create rectangle: %v", err)
	}
	if rect.ParentID != frame.ID {
		t.Errorf("parentId = %q, want %q", rect.ParentID, frame.ID)
	}

	got, err := doc.Node(frame.ID)
	if err != nil {
		t.Fatalf("fetch frame: %v", err)
	}
	if len(got.Children) != 1 || got.Children[0] != rect.ID {
		t.Errorf("children = %v, want [%s]", got.Children, rect.ID)
	}

	info := doc.Info()
	if info.NodeCount != 2 || len(info.TopLevel) != 1 {
		t.Errorf("counts = %d/%d, want 2/1", info.NodeCount, len(info.TopLevel))
	}
}

func TestCreateUnderMissingParent(t *testing.T) {
	doc := NewDocument("Doc")

	_, err := doc.CreateRectangle("no-such-node", "orphan", 0, 0, 10, 10)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeNodeNotFound {
		t.Errorf("code = %s, want %s", code, domain.CodeNodeNotFound)
	}
}

func TestOnlyFramesHoldChildren(t *testing.T) {
	doc := NewDocument("Doc")

	rect, err := doc.CreateRectangle("", "box", 0, 0, 10, 10)
	if err != nil {
		t.Fatalf("create rectangle: %v", err)
	}

	_, err = doc.CreateText(rect.ID, "label", "hi", 0, 0, 12)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeNodeKind {
		t.Errorf("code = %s, want %s", code, domain.CodeNodeKind)
	}
}

func TestCreateTextDefaultsFontSize(t *testing.T) {
	doc := NewDocument("Doc")

	text, err := doc.CreateText("", "label", "hi", 0, 0, 0)
	if err != nil {
		t.Fatalf("create text: %v", err)
	}
	if text.FontSize != 12 {
		t.Errorf("fontSize = %v, want 12", text.FontSize)
	}
}

func TestNodeReturnsCopy(t *testing.T) {
	doc, ids := buildFixture(t)

	got, err := doc.Node(ids["hero"])
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got.Name = "mutated"
	if len(got.Children) > 0 {
		got.Children[0] = "mutated"
	}

	again, err := doc.Node(ids["hero"])
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if again.Name != "hero" {
		t.Errorf("name = %q, caller mutation leaked into document", again.Name)
	}
	if again.Children[0] != ids["title"] {
		t.Errorf("children[0] = %q, caller mutation leaked into document", again.Children[0])
	}
}

func TestNodeMissing(t *testing.T) {
	doc := NewDocument("Doc")

	_, err := doc.Node("ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetTextContent(t *testing.T) {
	doc, ids := buildFixture(t)

	updated, err := doc.SetTextContent(ids["title"], "Bonjour")
	if err != nil {
		t.Fatalf("set text: %v", err)
	}
	if updated.Characters != "Bonjour" {
		t.Errorf("characters = %q, want Bonjour", updated.Characters)
	}

	got, err := doc.Node(ids["title"])
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got.Characters != "Bonjour" {
		t.Errorf("stored characters = %q, want Bonjour", got.Characters)
	}
}

func TestSetTextContentOnNonTextNode(t *testing.T) {
	doc, ids := buildFixture(t)

	_, err := doc.SetTextContent(ids["box"], "nope")
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeNodeKind {
		t.Errorf("code = %s, want %s", code, domain.CodeNodeKind)
	}
}

func TestSetTextContentMissingNode(t *testing.T) {
	doc := NewDocument("Doc")

	_, err := doc.SetTextContent("ghost", "x")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeNodeNotFound {
		t.Errorf("code = %s, want %s", code, domain.CodeNodeNotFound)
	}
}

func TestDeleteNodeRemovesSubtree(t *testing.T) {
	doc, ids := buildFixture(t)

	deleted, err := doc.DeleteNode(ids["hero"])
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d, want 4 (frame + three children)", deleted)
	}

	for _, name := range []string{"hero", "title", "body", "box"} {
		if _, err := doc.Node(ids[name]); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("%s still present after subtree delete", name)
		}
	}

	info := doc.Info()
	if info.NodeCount != 1 || len(info.TopLevel) != 1 {
		t.Errorf("counts = %d/%d, want 1/1 (banner only)", info.NodeCount, len(info.TopLevel))
	}
}

func TestDeleteChildUpdatesParent(t *testing.T) {
	doc, ids := buildFixture(t)

	if _, err := doc.DeleteNode(ids["body"]); err != nil {
		t.Fatalf("delete: %v", err)
	}

	hero, err := doc.Node(ids["hero"])
	if err != nil {
		t.Fatalf("refetch parent: %v", err)
	}
	for _, child := range hero.Children {
		if child == ids["body"] {
			t.Fatal("deleted child still listed on parent")
		}
	}
	if len(hero.Children) != 2 {
		t.Errorf("children = %d, want 2", len(hero.Children))
	}
}

func TestDeleteMissingNode(t *testing.T) {
	doc := NewDocument("Doc")

	_, err := doc.DeleteNode("ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubtreeDocumentOrder(t *testing.T) {
	doc, ids := buildFixture(t)

	all, err := doc.Subtree("")
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	want := []string{ids["hero"], ids["title"], ids["body"], ids["box"], ids["banner"]}
	if len(all) != len(want) {
		t.Fatalf("subtree = %d ids, want %d", len(all), len(want))
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("subtree[%d] = %s, want %s", i, all[i], want[i])
		}
	}

	under, err := doc.Subtree(ids["hero"])
	if err != nil {
		t.Fatalf("subtree(hero): %v", err)
	}
	if len(under) != 4 {
		t.Errorf("subtree(hero) = %d ids, want 4", len(under))
	}

	if _, err := doc.Subtree("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("subtree(ghost) err = %v, want ErrNotFound", err)
	}
}

func TestTextNodesInFiltersKind(t *testing.T) {
	doc, ids := buildFixture(t)

	texts, err := doc.TextNodesIn("")
	if err != nil {
		t.Fatalf("text nodes: %v", err)
	}
	want := []string{ids["title"], ids["body"], ids["banner"]}
	if len(texts) != len(want) {
		t.Fatalf("texts = %d ids, want %d", len(texts), len(want))
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %s, want %s", i, texts[i], want[i])
		}
	}

	scoped, err := doc.TextNodesIn(ids["hero"])
	if err != nil {
		t.Fatalf("text nodes scoped: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("scoped texts = %d, want 2", len(scoped))
	}
}

// Chunked handlers read nodes from worker goroutines while other commands
// mutate, so the document must hold up under concurrent access.
func TestDocumentConcurrentAccess(t *testing.T) {
	doc, ids := buildFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = doc.Node(ids["title"])
				_, _ = doc.TextNodesIn("")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = doc.SetTextContent(ids["body"], "swap")
				_, _ = doc.CreateRectangle(ids["hero"], "r", 0, 0, 1, 1)
			}
		}()
	}
	wg.Wait()

	if _, err := doc.Node(ids["hero"]); err != nil {
		t.Fatalf("document corrupted after concurrent access: %v", err)
	}
}
