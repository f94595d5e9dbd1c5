package script

import (
	"embed"
)

//go:embed templates/*.sh
var templateFS embed.FS

func mustLoad(name string) string {
	b, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// The six templates required by the nested-host drivers. Fixed at compile
// time via embed.FS so the set can never drift from what Substituter
// expects.
var (
	CreateVM = Template{
		Name:         "create_vm",
		RequiredKeys: []string{"vm_name", "disk_gb", "config_json"},
		Body:         mustLoad("create_vm.sh"),
	}
	StartVM = Template{
		Name:         "start_vm",
		RequiredKeys: []string{"vm_name"},
		Body:         mustLoad("start_vm.sh"),
	}
	StopVM = Template{
		Name:         "stop_vm",
		RequiredKeys: []string{"vm_name", "force_flag"},
		Body:         mustLoad("stop_vm.sh"),
	}
	DeleteVM = Template{
		Name:         "delete_vm",
		RequiredKeys: []string{"vm_name"},
		Body:         mustLoad("delete_vm.sh"),
	}
	SetupHost = Template{
		Name:         "setup_host",
		RequiredKeys: nil,
		Body:         mustLoad("setup_host.sh"),
	}
	Metrics = Template{
		Name:         "metrics",
		RequiredKeys: []string{"vm_name"},
		Body:         mustLoad("metrics.sh"),
	}
)

// All returns the complete set of required templates, for drivers that want
// to validate the helper has everything before use.
func All() []Template {
	return []Template{CreateVM, StartVM, StopVM, DeleteVM, SetupHost, Metrics}
}
