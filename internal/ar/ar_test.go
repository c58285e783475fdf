package ar

import (
	"bytes"
	"fmt"
	"testing"
)

// writeMember appends a member with the given raw header name.
func writeMember(buf *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(data))
	buf.Write(data)
	if len(data)%2 != 0 {
		buf.WriteByte('\n')
	}
}

func TestMembers(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeMember(&buf, "a.o/", []byte("AAA"))
	writeMember(&buf, "b.o/", []byte("BBBB"))

	members, err := Members(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	if members[0].Name != "a.o" || string(members[0].Data) != "AAA" {
		t.Errorf("Wrong first member: %+v", members[0])
	}
	if members[1].Name != "b.o" || string(members[1].Data) != "BBBB" {
		t.Errorf("Wrong second member: %+v", members[1])
	}
}

func TestLongNames(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	longNames := []byte("averyveryverylongmembername.o/\n")
	writeMember(&buf, "//", longNames)
	writeMember(&buf, "/0", []byte("XX"))

	members, err := Members(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if len(members) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(members))
	}
	if members[0].Name != "averyveryverylongmembername.o" {
		t.Errorf("Long name not resolved: %q", members[0].Name)
	}
}

func TestSymbolIndexSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeMember(&buf, "/", []byte{0, 0, 0, 0})
	writeMember(&buf, "a.o/", []byte("AAA"))

	members, err := Members(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Name != "a.o" {
		t.Errorf("Symbol index should be skipped: %+v", members)
	}
}

func TestCorruptArchive(t *testing.T) {
	if _, err := Members([]byte("not an archive")); err == nil {
		t.Error("Garbage input should be rejected")
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteString("short")
	if _, err := Members(buf.Bytes()); err == nil {
		t.Error("Truncated header should be rejected")
	}

	buf.Reset()
	buf.WriteString(Magic)
	writeMember(&buf, "a.o/", []byte("AAA"))
	trunc := buf.Bytes()[:buf.Len()-2]
	if _, err := Members(trunc); err == nil {
		t.Error("Truncated member should be rejected")
	}
}
