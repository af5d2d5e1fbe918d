package rooms

import (
	"sort"
	"testing"
)

func TestJoin_ImplicitCreateAndIdempotent(t *testing.T) {
	ix := NewIndex()

	ix.Join("general", "alice")
	ix.Join("general", "alice") // duplicate join is a no-op

	if !ix.IsMember("general", "alice") {
		t.Fatal("alice should be a member of general")
	}
	if got := ix.MembersOf("general"); len(got) != 1 {
		t.Errorf("expected 1 member, got %d", len(got))
	}
	if ix.Count() != 1 {
		t.Errorf("expected 1 room, got %d", ix.Count())
	}
}

func TestLeave_LastMemberDeletesRoom(t *testing.T) {
	ix := NewIndex()
	ix.Join("general", "alice")
	ix.Join("general", "bob")

	ix.Leave("general", "alice")
	if ix.Count() != 1 {
		t.Fatal("room should survive while it has members")
	}

	ix.Leave("general", "bob")
	if ix.Count() != 0 {
		t.Error("empty room should be deleted, not kept as an empty set")
	}
	if got := ix.MembersOf("general"); len(got) != 0 {
		t.Errorf("absent room should have no members, got %d", len(got))
	}
}

func TestLeave_NonMemberIsNoOp(t *testing.T) {
	ix := NewIndex()
	ix.Join("general", "alice")

	ix.Leave("general", "bob")
	ix.Leave("no-such-room", "alice")

	if !ix.IsMember("general", "alice") {
		t.Error("alice's membership should be untouched")
	}
}

func TestLeaveAll(t *testing.T) {
	ix := NewIndex()
	ix.Join("general", "alice")
	ix.Join("random", "alice")
	ix.Join("general", "bob")

	left := ix.LeaveAll("alice")
	sort.Strings(left)
	if len(left) != 2 || left[0] != "general" || left[1] != "random" {
		t.Fatalf("unexpected rooms left: %v", left)
	}

	if len(ix.RoomsOf("alice")) != 0 {
		t.Error("alice should belong to no rooms")
	}
	if !ix.IsMember("general", "bob") {
		t.Error("bob's membership should survive alice leaving")
	}
	if ix.Count() != 1 {
		t.Errorf("only general should remain, got %d rooms", ix.Count())
	}
}

func TestRoomsOf_ReverseIndex(t *testing.T) {
	ix := NewIndex()
	ix.Join("a", "alice")
	ix.Join("b", "alice")
	ix.Join("c", "bob")

	got := ix.RoomsOf("alice")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected rooms for alice: %v", got)
	}
	if len(ix.RoomsOf("nobody")) != 0 {
		t.Error("unknown identity should belong to no rooms")
	}
}
