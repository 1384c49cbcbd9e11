package mediator

import "testing"

func TestClassifyUnconditionalDenyBeatsMode(t *testing.T) {
	d := Classify("read_credentials", ModeAutonomous, ChannelPolicy{})
	if !d.HardDeny || d.Effective != RequireApproval {
		t.Fatalf("got %+v, want hard deny regardless of mode", d)
	}
}

func TestClassifyChannelDenyListWins(t *testing.T) {
	d := Classify("read_file", ModeDefault, ChannelPolicy{Deny: []string{"read_file"}})
	if !d.HardDeny {
		t.Fatalf("got %+v, want channel deny-list to hard deny", d)
	}
}

func TestClassifyNonEmptyAllowListExcludesUnlisted(t *testing.T) {
	d := Classify("grep", ModeDefault, ChannelPolicy{Allow: []string{"read_file"}})
	if !d.HardDeny {
		t.Fatalf("got %+v, want name absent from non-empty allow-list to hard deny", d)
	}
	d2 := Classify("read_file", ModeDefault, ChannelPolicy{Allow: []string{"read_file"}})
	if d2.HardDeny {
		t.Fatalf("got %+v, want listed name to pass the allow-list", d2)
	}
}

func TestClassifyDefaultModeUsesBaseTier(t *testing.T) {
	cases := map[string]Tier{
		"read_file": AutoAllow,
		"edit_file": Notify,
		"bash":      RequireApproval,
	}
	for name, want := range cases {
		d := Classify(name, ModeDefault, ChannelPolicy{})
		if d.Effective != want {
			t.Errorf("Classify(%q, default): Effective = %v, want %v", name, d.Effective, want)
		}
	}
}

func TestClassifyUnknownToolDefaultsToRequireApproval(t *testing.T) {
	d := Classify("some_new_tool_nobody_registered", ModeDefault, ChannelPolicy{})
	if d.Effective != RequireApproval {
		t.Fatalf("unknown tool Effective = %v, want RequireApproval", d.Effective)
	}
}

func TestClassifyAutonomousModeAutoAllowsEverythingNotDenied(t *testing.T) {
	d := Classify("bash", ModeAutonomous, ChannelPolicy{})
	if d.Effective != AutoAllow || d.Base != RequireApproval {
		t.Fatalf("got %+v, want Base=RequireApproval Effective=AutoAllow", d)
	}
}

func TestClassifyAcceptEditsPromotesOnlyEditTools(t *testing.T) {
	edit := Classify("edit_file", ModeAcceptEdits, ChannelPolicy{})
	if edit.Effective != AutoAllow {
		t.Fatalf("edit_file under acceptEdits: Effective = %v, want AutoAllow", edit.Effective)
	}
	bash := Classify("bash", ModeAcceptEdits, ChannelPolicy{})
	if bash.Effective != RequireApproval {
		t.Fatalf("bash under acceptEdits: Effective = %v, want unchanged RequireApproval", bash.Effective)
	}
}

func TestClassifyLockdownForcesApprovalOnEverythingButReadOnly(t *testing.T) {
	readOnly := Classify("read_file", ModeLockdown, ChannelPolicy{})
	if readOnly.Effective != AutoAllow {
		t.Fatalf("read_file under lockdown: Effective = %v, want AutoAllow", readOnly.Effective)
	}
	notify := Classify("edit_file", ModeLockdown, ChannelPolicy{})
	if notify.Effective != RequireApproval {
		t.Fatalf("edit_file under lockdown: Effective = %v, want RequireApproval", notify.Effective)
	}
}

func TestCanonicalNameStripsPrefixAndAliases(t *testing.T) {
	if got := canonicalName("mcp__Bash"); got != "bash" {
		t.Fatalf("canonicalName(mcp__Bash) = %q, want bash", got)
	}
	if got := canonicalName("apply_patch"); got != "edit_file" {
		t.Fatalf("canonicalName(apply_patch) = %q, want edit_file", got)
	}
}
