package docbus

// defaultTemplates seeds the shared strategic documents Planning owns
// with a stable set of section headings, so every reader (human or
// phase) finds the same structure on first write regardless of which
// phase touches the document first.
func defaultTemplates() map[string]string {
	return map[string]string{
		DocArchitecture: "# " + DocArchitecture + "\n\n" +
			"## Overview\n\n" +
			"## Components\n\n" +
			"## Constraints\n\n",
		DocPlan: "# " + DocPlan + "\n\n" +
			"## Current Objective\n\n" +
			"## Upcoming\n\n" +
			"## Deferred\n\n",
		DocPrimaryObjectives: "# " + DocPrimaryObjectives + "\n\n" +
			"## Objectives\n\n",
		DocSecondaryObjectives: "# " + DocSecondaryObjectives + "\n\n" +
			"## Objectives\n\n",
		DocTertiaryObjectives: "# " + DocTertiaryObjectives + "\n\n" +
			"## Objectives\n\n",
		DocArchitectureStatus: "# " + DocArchitectureStatus + "\n\n" +
			"## Health\n\n" +
			"## Known Violations\n\n",
		DocChangeLog: "# " + DocChangeLog + "\n\n" +
			"## Unreleased\n\n",
		DocAlerts: "# " + DocAlerts + "\n\n" +
			"## Open\n\n" +
			"## Acknowledged\n\n",
	}
}
