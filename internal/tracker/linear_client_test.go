package tracker

import "testing"

func TestIsLeafRejectsOpenChild(t *testing.T) {
	n := linearIssueNode{}
	n.Children.Nodes = []struct {
		State struct {
			Type string `json:"type"`
		} `json:"state"`
	}{{}}
	n.Children.Nodes[0].State.Type = "started"
	if n.isLeaf() {
		t.Fatal("expected not-leaf with an open child")
	}
}

func TestIsLeafAllowsCompletedChild(t *testing.T) {
	n := linearIssueNode{}
	n.Children.Nodes = []struct {
		State struct {
			Type string `json:"type"`
		} `json:"state"`
	}{{}}
	n.Children.Nodes[0].State.Type = "completed"
	if !n.isLeaf() {
		t.Fatal("expected leaf with only completed children")
	}
}

func TestIsLeafRejectsUnfinishedBlocker(t *testing.T) {
	n := linearIssueNode{}
	n.InverseRelations.Nodes = []struct {
		Type         string `json:"type"`
		RelatedIssue struct {
			State struct {
				Type string `json:"type"`
			} `json:"state"`
		} `json:"relatedIssue"`
	}{{Type: "blocks"}}
	n.InverseRelations.Nodes[0].RelatedIssue.State.Type = "unstarted"
	if n.isLeaf() {
		t.Fatal("expected not-leaf with an unfinished predecessor")
	}
}

func TestIsLeafIgnoresNonBlockingRelations(t *testing.T) {
	n := linearIssueNode{}
	n.InverseRelations.Nodes = []struct {
		Type         string `json:"type"`
		RelatedIssue struct {
			State struct {
				Type string `json:"type"`
			} `json:"state"`
		} `json:"relatedIssue"`
	}{{Type: "duplicate"}}
	n.InverseRelations.Nodes[0].RelatedIssue.State.Type = "unstarted"
	if !n.isLeaf() {
		t.Fatal("a non-blocking relation to an unfinished issue must not disqualify a leaf")
	}
}
