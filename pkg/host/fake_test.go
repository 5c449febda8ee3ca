package host

import (
	"errors"
	"testing"
)

func TestFakeMapAssignsAddresses(t *testing.T) {
	f := NewFake()
	a1, err := f.Map(3, 0, 0x1000, ProtRead, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	a2, err := f.Map(3, 0x1000, 0x2000, ProtRead|ProtWrite, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if a2 != a1+0x1000 {
		t.Errorf("second mapping address = %#x, want %#x", a2, a1+0x1000)
	}
	if len(f.Mapped) != 2 {
		t.Errorf("len(Mapped) = %d, want 2", len(f.Mapped))
	}
}

func TestFakeMapRespectsExplicitAddress(t *testing.T) {
	f := NewFake()
	got, err := f.Map(3, 0, 0x1000, ProtRead, 0x5000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != 0x5000 {
		t.Errorf("Map() = %#x, want 0x5000", got)
	}
}

func TestFakeMapFailure(t *testing.T) {
	f := NewFake()
	wantErr := errors.New("boom")
	f.FailMap = wantErr
	if _, err := f.Map(3, 0, 0x1000, ProtRead, 0); !errors.Is(err, wantErr) {
		t.Errorf("Map() error = %v, want %v", err, wantErr)
	}
}

func TestFakeAddFileSignaturesDefaultCoverage(t *testing.T) {
	f := NewFake()
	got, err := f.AddFileSignatures(3, 0x1000, 0x2000, 0x300)
	if err != nil {
		t.Fatalf("AddFileSignatures: %v", err)
	}
	if want := int64(0x1000 + 0x2000 + 0x300); got != want {
		t.Errorf("AddFileSignatures() = %#x, want %#x", got, want)
	}
}

func TestFakeSandboxProbe(t *testing.T) {
	f := NewFake()
	f.SandboxBlockedPaths["/etc/shadow"] = SandboxFileReadData

	blocked, err := f.SandboxProbe("/etc/shadow", SandboxFileReadData)
	if err != nil || !blocked {
		t.Errorf("SandboxProbe(read) = %v, %v, want true, nil", blocked, err)
	}
	blocked, err = f.SandboxProbe("/etc/shadow", SandboxFileMapExecutable)
	if err != nil || blocked {
		t.Errorf("SandboxProbe(exec) = %v, %v, want false, nil", blocked, err)
	}
	blocked, err = f.SandboxProbe("/etc/passwd", SandboxFileReadData)
	if err != nil || blocked {
		t.Errorf("SandboxProbe(unblocked path) = %v, %v, want false, nil", blocked, err)
	}
}

func TestFakeFootprintSuspendNesting(t *testing.T) {
	f := NewFake()
	f.FootprintSuspend(true)
	f.FootprintSuspend(true)
	if f.FootprintDepth != 2 {
		t.Errorf("FootprintDepth = %d, want 2", f.FootprintDepth)
	}
	f.FootprintSuspend(false)
	f.FootprintSuspend(false)
	if f.FootprintDepth != 0 {
		t.Errorf("FootprintDepth = %d, want 0", f.FootprintDepth)
	}
}

func TestFakeRegisterDOF(t *testing.T) {
	f := NewFake()
	ids, err := f.RegisterDOF([]DOFHelper{
		{SectionAddress: 0x1000, ImageHeader: 0x2000, ShortName: "libfoo"},
		{SectionAddress: 0x3000, ImageHeader: 0x4000, ShortName: "libbar"},
	})
	if err != nil {
		t.Fatalf("RegisterDOF: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("RegisterDOF() ids = %v, want [0 1]", ids)
	}
}

func TestSandboxOpString(t *testing.T) {
	cases := map[SandboxOp]string{
		SandboxFileReadData:      "file-read-data",
		SandboxFileReadMetadata:  "file-read-metadata",
		SandboxFileMapExecutable: "file-map-executable",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("SandboxOp(%d).String() = %q, want %q", op, got, want)
		}
	}
}
