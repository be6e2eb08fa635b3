package catalog

import (
	"errors"
	"testing"
)

// listing mimics `dcgmi dmon -l` output: a three-line header, whitespace-run
// separated rows, and a trailing blank line.
const listing = `___________________________________________________________________________________
     Long Name                     Short Name       Field Id
___________________________________________________________________________________
gpu_utilization                       GPUTL            203
mem_copy_utilization                  MCUTL            204
power_usage                           POWER            155
sm_active                             SMACT            1002
`

func cannedRunner(out string, err error) Runner {
	return func(binary string, args ...string) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}
}

func TestResolve_BuildsCatalogInRequestedOrder(t *testing.T) {
	c, err := ResolveWith(cannedRunner(listing, nil), "dcgmi",
		[]string{"power_usage", "gpu_utilization"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	names := c.Names()
	if names[0] != "power_usage" || names[1] != "gpu_utilization" {
		t.Errorf("Names = %v, want requested order", names)
	}
	if ids := c.FieldIDs(); ids != "155,203" {
		t.Errorf("FieldIDs = %q, want \"155,203\"", ids)
	}

	short, ok := c.ShortName("power_usage")
	if !ok || short != "POWER" {
		t.Errorf("ShortName(power_usage) = %q, %v", short, ok)
	}
	id, ok := c.FieldID("gpu_utilization")
	if !ok || id != "203" {
		t.Errorf("FieldID(gpu_utilization) = %q, %v", id, ok)
	}
}

func TestResolve_UnknownMetricSkipped(t *testing.T) {
	c, err := ResolveWith(cannedRunner(listing, nil), "dcgmi",
		[]string{"gpu_utilization", "no_such_metric", "sm_active"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want unknown metric excluded", c.Len())
	}
	if _, ok := c.FieldID("no_such_metric"); ok {
		t.Error("unknown metric should not resolve")
	}
}

func TestResolve_AllUnknownFails(t *testing.T) {
	if _, err := ResolveWith(cannedRunner(listing, nil), "dcgmi",
		[]string{"bogus"}, nil); err == nil {
		t.Error("expected error when nothing resolves")
	}
}

func TestResolve_ToolMissing(t *testing.T) {
	bootErr := errors.New("exec: \"dcgmi\": executable file not found in $PATH")
	_, err := ResolveWith(cannedRunner("", bootErr), "dcgmi",
		[]string{"gpu_utilization"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolve_EmptyTable(t *testing.T) {
	_, err := ResolveWith(cannedRunner("header\nonly\n", nil), "dcgmi",
		[]string{"gpu_utilization"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable on missing table", err)
	}
}
