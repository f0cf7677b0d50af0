package ui

import (
	"fmt"
	"html/template"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/kiln/pkg/model"
)

// Template functions available in all templates.
var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"formatTimePtr": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return humanize.Time(t)
	},
	"bytes": func(n int64) string {
		if n < 0 {
			n = 0
		}
		return humanize.Bytes(uint64(n))
	},
	"stateColor": func(state model.JobState) string {
		switch state {
		case model.JobStateQueued:
			return "yellow"
		case model.JobStateAssigned, model.JobStateRunning:
			return "blue"
		case model.JobStateSucceeded:
			return "green"
		case model.JobStateFailed:
			return "red"
		default:
			return "gray"
		}
	},
	"stateDotColor": func(state model.JobState) string {
		// Tailwind bg color classes for state dots
		switch state {
		case model.JobStateQueued:
			return "bg-yellow-500"
		case model.JobStateAssigned:
			return "bg-blue-300"
		case model.JobStateRunning:
			return "bg-blue-500 animate-pulse"
		case model.JobStateSucceeded:
			return "bg-green-500"
		case model.JobStateFailed:
			return "bg-red-500"
		default:
			return "bg-gray-300"
		}
	},
	"stat": func(stats map[string]int, state model.JobState) int {
		return stats[string(state)]
	},
	"percent": func(a, b int) int {
		if b == 0 {
			return 0
		}
		return (a * 100) / b
	},
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
}

// renderTemplate renders a template with the given data.
func renderTemplate(w io.Writer, name string, data map[string]any) error {
	content, ok := templates[name]
	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}

	layout, ok := templates["layout"]
	if !ok {
		return fmt.Errorf("layout template not found")
	}

	tmpl, err := template.New("layout").Funcs(templateFuncs).Parse(layout)
	if err != nil {
		return fmt.Errorf("parse layout: %w", err)
	}

	_, err = tmpl.New("content").Parse(content)
	if err != nil {
		return fmt.Errorf("parse content: %w", err)
	}

	// Add shared components.
	for compName, compContent := range templates {
		if strings.HasPrefix(compName, "components/") {
			_, err = tmpl.New(filepath.Base(compName)).Parse(compContent)
			if err != nil {
				return fmt.Errorf("parse component %s: %w", compName, err)
			}
		}
	}

	return tmpl.Execute(w, data)
}

// templates holds all template content.
var templates = map[string]string{
	"layout": `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-50 min-h-screen">
    <nav class="bg-white shadow-sm border-b">
        <div class="max-w-7xl mx-auto px-4 sm:px-6 lg:px-8">
            <div class="flex h-16">
                <a href="/ui/" class="flex items-center px-2 py-2 text-xl font-bold text-orange-600">
                    kiln
                </a>
                <div class="hidden sm:ml-6 sm:flex sm:space-x-8">
                    <a href="/ui/" class="border-transparent text-gray-500 hover:border-gray-300 hover:text-gray-700 inline-flex items-center px-1 pt-1 border-b-2 text-sm font-medium">
                        Dashboard
                    </a>
                    <a href="/ui/jobs/" class="border-transparent text-gray-500 hover:border-gray-300 hover:text-gray-700 inline-flex items-center px-1 pt-1 border-b-2 text-sm font-medium">
                        Jobs
                    </a>
                    <a href="/ui/workers" class="border-transparent text-gray-500 hover:border-gray-300 hover:text-gray-700 inline-flex items-center px-1 pt-1 border-b-2 text-sm font-medium">
                        Workers
                    </a>
                </div>
            </div>
        </div>
    </nav>

    <main class="max-w-7xl mx-auto py-6 sm:px-6 lg:px-8">
        {{template "content" .}}
    </main>
</body>
</html>`,

	"components/state_badge": `{{define "state_badge"}}
<span class="inline-flex items-center px-2.5 py-0.5 rounded-full text-xs font-medium bg-{{stateColor .}}-100 text-{{stateColor .}}-800">
    <span class="w-2 h-2 mr-1.5 rounded-full {{stateDotColor .}}"></span>{{.}}
</span>
{{end}}`,

	"components/job_table": `{{define "job_table"}}
<table class="min-w-full divide-y divide-gray-200">
    <thead class="bg-gray-50">
        <tr>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">ID</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">State</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Attempt</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Log</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Created</th>
        </tr>
    </thead>
    <tbody class="bg-white divide-y divide-gray-200">
        {{range .}}
        <tr>
            <td class="px-6 py-4 text-sm font-mono"><a href="/ui/jobs/{{.ID}}" class="text-orange-600 hover:text-orange-900">{{.ID}}</a></td>
            <td class="px-6 py-4 text-sm">{{template "state_badge" .State}}</td>
            <td class="px-6 py-4 text-sm text-gray-500">{{.Attempt}}</td>
            <td class="px-6 py-4 text-sm text-gray-500">{{bytes .LogSize}}</td>
            <td class="px-6 py-4 text-sm text-gray-500" title="{{formatTime .CreatedAt}}">{{since .CreatedAt}}</td>
        </tr>
        {{else}}
        <tr><td colspan="5" class="px-6 py-4 text-sm text-gray-500">No jobs found.</td></tr>
        {{end}}
    </tbody>
</table>
{{end}}`,

	"components/worker_table": `{{define "worker_table"}}
<table class="min-w-full divide-y divide-gray-200">
    <thead class="bg-gray-50">
        <tr>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Name</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Host</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Slots</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Building</th>
            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Connected</th>
        </tr>
    </thead>
    <tbody class="bg-white divide-y divide-gray-200">
        {{range .}}
        <tr>
            <td class="px-6 py-4 text-sm" title="{{.ID}}">{{.Name}}</td>
            <td class="px-6 py-4 text-sm text-gray-500">{{.Hostname}}</td>
            <td class="px-6 py-4 text-sm text-gray-500">{{len .Assigned}}/{{.Capacity}}</td>
            <td class="px-6 py-4 text-sm font-mono">{{range .Assigned}}<a href="/ui/jobs/{{.}}" class="block text-orange-600 hover:text-orange-900">{{truncate . 8}}</a>{{else}}-{{end}}</td>
            <td class="px-6 py-4 text-sm text-gray-500" title="{{formatTime .ConnectedAt}}">{{since .ConnectedAt}}</td>
        </tr>
        {{else}}
        <tr><td colspan="5" class="px-6 py-4 text-sm text-gray-500">No workers connected.</td></tr>
        {{end}}
    </tbody>
</table>
{{end}}`,

	"dashboard": `{{define "content"}}
<div class="px-4 py-6 sm:px-0">
    <div class="mb-8">
        <h1 class="text-2xl font-semibold text-gray-900">Dashboard</h1>
        <p class="mt-1 text-sm text-gray-500">Up {{.Uptime}}</p>
    </div>

    <div class="grid grid-cols-1 gap-5 sm:grid-cols-2 lg:grid-cols-4 mb-8">
        <div class="bg-white overflow-hidden shadow rounded-lg p-5">
            <dt class="text-sm font-medium text-gray-500">Jobs</dt>
            <dd class="mt-1 text-3xl font-semibold text-gray-900">{{.JobCount}}</dd>
        </div>
        <div class="bg-white overflow-hidden shadow rounded-lg p-5">
            <dt class="text-sm font-medium text-gray-500">Workers</dt>
            <dd class="mt-1 text-3xl font-semibold text-gray-900">{{len .Workers}}</dd>
        </div>
        <div class="bg-white overflow-hidden shadow rounded-lg p-5">
            <dt class="text-sm font-medium text-gray-500">Slots in use</dt>
            <dd class="mt-1 text-3xl font-semibold text-gray-900">{{.BusySlots}}/{{.Capacity}}</dd>
            <div class="mt-2 h-2 bg-gray-200 rounded"><div class="h-2 bg-orange-500 rounded" style="width: {{percent .BusySlots .Capacity}}%"></div></div>
        </div>
        <div class="bg-white overflow-hidden shadow rounded-lg p-5">
            <dt class="text-sm font-medium text-gray-500">Recent results</dt>
            <dd class="mt-1 text-sm text-gray-900">
                <span class="text-green-700">{{stat .Stats "succeeded"}} succeeded</span>,
                <span class="text-red-700">{{stat .Stats "failed"}} failed</span>
            </dd>
        </div>
    </div>

    <div class="bg-white shadow rounded-lg mb-8">
        <div class="px-4 py-5 border-b border-gray-200">
            <h3 class="text-lg font-medium text-gray-900">Workers</h3>
        </div>
        {{template "worker_table" .Workers}}
    </div>

    <div class="bg-white shadow rounded-lg">
        <div class="px-4 py-5 border-b border-gray-200 flex justify-between">
            <h3 class="text-lg font-medium text-gray-900">Recent jobs</h3>
            <a href="/ui/jobs/" class="text-sm text-orange-600 hover:text-orange-900">View all</a>
        </div>
        {{template "job_table" .Jobs}}
    </div>
</div>
{{end}}`,

	"error": `{{define "content"}}
<div class="px-4 py-6 sm:px-0">
    <div class="rounded-md bg-red-50 p-4">
        <h3 class="text-sm font-medium text-red-800">{{.Message}}</h3>
    </div>
    <a href="/ui/" class="mt-4 inline-block text-sm text-orange-600 hover:text-orange-900">Back to dashboard</a>
</div>
{{end}}`,

	"jobs/list": `{{define "content"}}
<div class="px-4 py-6 sm:px-0">
    <div class="mb-6 flex justify-between items-center">
        <h1 class="text-2xl font-semibold text-gray-900">Jobs</h1>
        <div class="space-x-2 text-sm">
            <a href="/ui/jobs/" class="{{if not .State}}font-semibold text-gray-900{{else}}text-gray-500{{end}}">all</a>
            {{$current := .State}}
            {{range .States}}
            <a href="/ui/jobs/?state={{.}}" class="{{if eq (print .) $current}}font-semibold text-gray-900{{else}}text-gray-500{{end}}">{{.}}</a>
            {{end}}
        </div>
    </div>

    <div class="bg-white shadow rounded-lg">
        {{template "job_table" .Jobs}}
    </div>

    {{with .Pagination}}
    <div class="mt-4 flex justify-between text-sm text-gray-500">
        <span>{{.Total}} jobs</span>
        <span class="space-x-4">
            {{if .HasPrev}}<a href="/ui/jobs/?offset={{.PrevOffset}}&limit={{.Limit}}{{if $.State}}&state={{$.State}}{{end}}" class="text-orange-600">Previous</a>{{end}}
            {{if .HasMore}}<a href="/ui/jobs/?offset={{.NextOffset}}&limit={{.Limit}}{{if $.State}}&state={{$.State}}{{end}}" class="text-orange-600">Next</a>{{end}}
        </span>
    </div>
    {{end}}
</div>
{{end}}`,

	"jobs/detail": `{{define "content"}}
<div class="px-4 py-6 sm:px-0">
    <div class="mb-6">
        <h1 class="text-2xl font-semibold text-gray-900 font-mono">{{.Job.ID}}</h1>
        <div class="mt-2" id="job-state">{{template "state_badge" .Job.State}}</div>
    </div>

    <div class="bg-white shadow rounded-lg mb-6">
        <dl class="grid grid-cols-1 sm:grid-cols-3 gap-4 p-6 text-sm">
            <div><dt class="text-gray-500">Worker</dt><dd class="font-mono">{{if .Job.WorkerID}}{{.Job.WorkerID}}{{else}}-{{end}}</dd></div>
            <div><dt class="text-gray-500">Attempt</dt><dd>{{.Job.Attempt}}</dd></div>
            <div><dt class="text-gray-500">Cache hint</dt><dd>{{if .Job.CacheHint}}{{.Job.CacheHint}}{{else}}-{{end}}</dd></div>
            <div><dt class="text-gray-500">Created</dt><dd>{{formatTime .Job.CreatedAt}}</dd></div>
            <div><dt class="text-gray-500">Started</dt><dd>{{formatTimePtr .Job.StartedAt}}</dd></div>
            <div><dt class="text-gray-500">Completed</dt><dd>{{formatTimePtr .Job.CompletedAt}}</dd></div>
            {{with .Job.Result}}
            <div class="sm:col-span-3"><dt class="text-gray-500">Result</dt><dd>{{if .Succeeded}}succeeded{{else}}failed{{end}} (exit code {{.ExitCode}}){{if .Detail}}: {{.Detail}}{{end}}</dd></div>
            {{end}}
        </dl>
    </div>

    <details class="bg-white shadow rounded-lg mb-6">
        <summary class="px-6 py-4 text-sm font-medium text-gray-700 cursor-pointer">Dockerfile</summary>
        <pre class="px-6 pb-4 text-xs font-mono whitespace-pre-wrap">{{.Job.Descriptor}}</pre>
    </details>

    <div class="bg-gray-900 shadow rounded-lg">
        <pre id="job-log" class="p-4 text-xs text-gray-100 font-mono whitespace-pre-wrap overflow-x-auto">{{.Log}}</pre>
    </div>
</div>
{{if .Live}}
<script>
(function() {
    var log = document.getElementById("job-log");
    var decoder = new TextDecoder();
    var source = new EventSource("/api/v1/sse/jobs/{{.Job.ID}}/log?offset={{.Offset}}");
    source.addEventListener("log", function(e) {
        var raw = atob(JSON.parse(e.data).data || "");
        var bytes = new Uint8Array(raw.length);
        for (var i = 0; i < raw.length; i++) {
            bytes[i] = raw.charCodeAt(i);
        }
        log.textContent += decoder.decode(bytes, {stream: true});
        window.scrollTo(0, document.body.scrollHeight);
    });
    source.addEventListener("complete", function() {
        source.close();
        window.location.reload();
    });
    source.addEventListener("error", function() {
        source.close();
    });
})();
</script>
{{end}}
{{end}}`,

	"workers": `{{define "content"}}
<div class="px-4 py-6 sm:px-0">
    <h1 class="mb-6 text-2xl font-semibold text-gray-900">Workers</h1>
    <div class="bg-white shadow rounded-lg">
        {{template "worker_table" .Workers}}
    </div>
</div>
{{end}}`,
}
