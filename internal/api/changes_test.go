package api

import "testing"

func TestParseFileChanges_StructuredList(t *testing.T) {
	content := `Here is the implementation.

{
  "summary": "add login handler",
  "files": [
    {"filePath": "src/auth/login.ts", "changeType": "create", "content": "export function login() {}"},
    {"filePath": "src/auth/index.ts", "changeType": "modify", "content": "export * from './login';"}
  ]
}

Let me know if anything else is needed.`

	specs := ParseFileChanges(content)
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Path != "src/auth/login.ts" || specs[0].Kind != "create" {
		t.Errorf("specs[0] = %+v, want create of src/auth/login.ts", specs[0])
	}
	if specs[1].Content != "export * from './login';" {
		t.Errorf("specs[1].Content = %q", specs[1].Content)
	}
}

func TestParseFileChanges_StructuredInsideFence(t *testing.T) {
	content := "```json\n{\"files\": [{\"filePath\": \"main.go\", \"content\": \"package main\"}]}\n```"

	specs := ParseFileChanges(content)
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Path != "main.go" {
		t.Errorf("Path = %q, want main.go", specs[0].Path)
	}
	if specs[0].Kind != "modify" {
		t.Errorf("Kind = %q, want modify default", specs[0].Kind)
	}
}

func TestParseFileChanges_FencedWithInfoString(t *testing.T) {
	content := "Updated the handler:\n\n```go path=internal/server/handler.go\npackage server\n\nfunc Handle() {}\n```\n"

	specs := ParseFileChanges(content)
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Path != "internal/server/handler.go" {
		t.Errorf("Path = %q", specs[0].Path)
	}
	if specs[0].Content != "package server\n\nfunc Handle() {}" {
		t.Errorf("Content = %q", specs[0].Content)
	}
}

func TestParseFileChanges_FencedWithAnnotationLine(t *testing.T) {
	content := "File: src/util.py\n```python\ndef helper():\n    pass\n```"

	specs := ParseFileChanges(content)
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Path != "src/util.py" {
		t.Errorf("Path = %q, want src/util.py", specs[0].Path)
	}
}

func TestParseFileChanges_FencedWithCommentLine(t *testing.T) {
	content := "```go\n// cmd/tool/main.go\npackage main\n```"

	specs := ParseFileChanges(content)
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Path != "cmd/tool/main.go" {
		t.Errorf("Path = %q", specs[0].Path)
	}
	if specs[0].Content != "package main" {
		t.Errorf("Content = %q, comment line should be stripped", specs[0].Content)
	}
}

func TestParseFileChanges_MultipleBlocks(t *testing.T) {
	content := "### src/a.ts\n```ts\nconst a = 1;\n```\n\nand\n\n### src/b.ts\n```ts\nconst b = 2;\n```"

	specs := ParseFileChanges(content)
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Path != "src/a.ts" || specs[1].Path != "src/b.ts" {
		t.Errorf("paths = %q, %q", specs[0].Path, specs[1].Path)
	}
}

func TestParseFileChanges_NoChanges(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"plain prose", "I analyzed the task and everything looks fine."},
		{"fence without path", "```go\npackage main\n```"},
		{"unterminated fence", "```go\npackage main"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if specs := ParseFileChanges(tt.content); len(specs) != 0 {
				t.Errorf("len(specs) = %d, want 0", len(specs))
			}
		})
	}
}

func TestExtractFencedCode(t *testing.T) {
	content := "Reasoning first.\n\n```ts\nexport const x = 1;\nexport const y = 2;\n```\nTrailing prose."

	code, ok := ExtractFencedCode(content)
	if !ok {
		t.Fatal("ExtractFencedCode should find the block")
	}
	want := "export const x = 1;\nexport const y = 2;"
	if code != want {
		t.Errorf("code = %q, want %q", code, want)
	}
}

func TestExtractFencedCode_Missing(t *testing.T) {
	if _, ok := ExtractFencedCode("no fence here"); ok {
		t.Error("ExtractFencedCode should report false without a fence")
	}
	if _, ok := ExtractFencedCode("```go\nunterminated"); ok {
		t.Error("ExtractFencedCode should report false for an unterminated fence")
	}
}
