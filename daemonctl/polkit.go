package daemonctl

import (
	"fmt"
	"strings"

	"github.com/yllada/wirevault/common"
)

// polkitVerbs are the only unit operations the rule grants.
var polkitVerbs = []string{"start", "stop", "restart"}

// PolkitRule returns the rule letting local active users start, stop and
// restart the daemon unit without a password. When group is empty any
// local active user qualifies.
func PolkitRule(unit, group string) string {
	quoted := make([]string, len(polkitVerbs))
	for i, v := range polkitVerbs {
		quoted[i] = fmt.Sprintf("verb == %q", v)
	}

	subject := "subject.local && subject.active"
	if group != "" {
		subject += fmt.Sprintf(" && subject.isInGroup(%q)", group)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "// Installed by %s. Removed on uninstall.\n", common.AppName)
	sb.WriteString("polkit.addRule(function(action, subject) {\n")
	sb.WriteString("    if (action.id == \"org.freedesktop.systemd1.manage-units\" &&\n")
	fmt.Fprintf(&sb, "        action.lookup(\"unit\") == %q) {\n", unit)
	sb.WriteString("        var verb = action.lookup(\"verb\");\n")
	fmt.Fprintf(&sb, "        if ((%s) &&\n", strings.Join(quoted, " || "))
	fmt.Fprintf(&sb, "            %s) {\n", subject)
	sb.WriteString("            return polkit.Result.YES;\n")
	sb.WriteString("        }\n")
	sb.WriteString("    }\n")
	sb.WriteString("});\n")
	return sb.String()
}
