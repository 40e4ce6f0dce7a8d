package main

import "testing"

func TestRootCommand_Subcommands(t *testing.T) {
	root := rootCommand()
	for _, path := range [][]string{{"run"}, {"reconcile"}, {"migrate", "up"}, {"migrate", "down"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Fatalf("expected subcommand %v, err %v", path, err)
		}
	}
	down, _, _ := root.Find([]string{"migrate", "down"})
	if f := down.Flags().Lookup("steps"); f == nil || f.DefValue != "1" {
		t.Fatalf("expected --steps defaulting to 1")
	}
}
