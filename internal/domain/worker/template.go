package worker

import "sort"

// Template is a named capability preset. Worker "types" are plain data: the
// coordinator never branches on them.
type Template struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency"`
}

var templates = map[string]Template{
	"frontend_developer": {
		Name:        "frontend_developer",
		Description: "User interface development and user experience",
		Capabilities: []string{
			"frontend", "react", "vue", "angular", "typescript", "javascript",
			"html", "css", "ui_design", "accessibility", "testing",
		},
		MaxConcurrency: 1,
	},
	"backend_developer": {
		Name:        "backend_developer",
		Description: "Server-side logic, APIs and database management",
		Capabilities: []string{
			"backend", "python", "go", "rust", "java", "postgresql", "redis",
			"api_design", "microservices", "database_optimization", "security",
		},
		MaxConcurrency: 1,
	},
	"devops_engineer": {
		Name:        "devops_engineer",
		Description: "Deployment, infrastructure and CI/CD pipelines",
		Capabilities: []string{
			"devops", "docker", "kubernetes", "terraform", "ci_cd",
			"monitoring", "logging", "security_scanning", "infrastructure_as_code",
		},
		MaxConcurrency: 1,
	},
	"qa_tester": {
		Name:        "qa_tester",
		Description: "Quality assurance through testing and validation",
		Capabilities: []string{
			"qa", "manual_testing", "automated_testing", "test_planning",
			"performance_testing", "security_testing", "accessibility_testing",
		},
		MaxConcurrency: 1,
	},
	"technical_writer": {
		Name:        "technical_writer",
		Description: "Technical documentation",
		Capabilities: []string{
			"documentation", "technical_writing", "markdown", "api_documentation",
			"user_guides", "tutorials",
		},
		MaxConcurrency: 1,
	},
}

// LookupTemplate returns a copy of the named template.
func LookupTemplate(name string) (Template, bool) {
	t, ok := templates[name]
	if !ok {
		return Template{}, false
	}
	t.Capabilities = append([]string(nil), t.Capabilities...)
	return t, true
}

// TemplateNames returns every known template name, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
