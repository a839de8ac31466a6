package stage

import "strings"

// Name identifies a stage of the fixed pipeline.
type Name string

const (
	From          Name = "from"
	InfraInstall  Name = "infra_install"
	InfraSetup    Name = "infra_setup"
	AppInstall    Name = "app_install"
	AppSetup      Name = "app_setup"
	ChefCookbooks Name = "chef_cookbooks"
	Source1       Name = "source_1"
	Source2       Name = "source_2"
	Source3       Name = "source_3"
	Source4       Name = "source_4"
	Source5       Name = "source_5"
)

// Pipeline is the fixed stage order.
var Pipeline = []Name{
	From,
	InfraInstall,
	InfraSetup,
	AppInstall,
	AppSetup,
	ChefCookbooks,
	Source1,
	Source2,
	Source3,
	Source4,
	Source5,
}

// Order is the position in the pipeline, -1 for unknown names.
func (n Name) Order() int {
	for i, p := range Pipeline {
		if p == n {
			return i
		}
	}
	return -1
}

func (n Name) Valid() bool {
	return n.Order() >= 0
}

func (n Name) IsSource() bool {
	return strings.HasPrefix(string(n), "source_") && n.Valid()
}

// IsBuilder reports whether the stage runs builder content.
func (n Name) IsBuilder() bool {
	return n.Valid() && n != From && !n.IsSource()
}

func (n Name) String() string {
	return string(n)
}
