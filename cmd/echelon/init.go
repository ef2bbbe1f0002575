package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kunho817/echelon/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize an echelon project",
	Long: `Initialize a directory for use with echelon.

This command sets up everything needed to run a mission:
  - Creates the .echelon state directory (database, logs, signals)
  - Creates a commented .echelon.yaml configuration template
  - Adds state-directory entries to .gitignore when the project uses git

The directory argument is optional and defaults to the current directory.

Examples:
  echelon init              # Initialize current directory
  echelon init ./myproject  # Initialize specific directory
  echelon init --force      # Reinitialize even if already set up`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing echelon in %s...\n\n", absPath)

	stateDir := filepath.Join(absPath, config.DefaultStateDir)
	if _, err := os.Stat(stateDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	for _, dir := range []string{
		stateDir,
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "signals"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .echelon state directory", color.FgGreen)

	if err := writeConfigTemplate(absPath); err != nil {
		return fmt.Errorf("creating .echelon.yaml: %w", err)
	}

	if err := updateGitignore(absPath); err != nil {
		return fmt.Errorf("updating .gitignore: %w", err)
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	fmt.Printf("\n%s echelon initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		fmt.Println("  1. Set your API key:")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Write a planning document (plan.md) with your objective")
	fmt.Println()
	fmt.Println("  3. Run a mission:")
	fmt.Println("     echelon run plan.md")
	fmt.Println()
	fmt.Println("  4. Learn more:")
	fmt.Println("     echelon --help")

	return nil
}

// writeConfigTemplate writes a fully commented .echelon.yaml so the file
// documents every key without overriding any default.
func writeConfigTemplate(root string) error {
	configPath := filepath.Join(root, ".echelon.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		printStatus("✓", ".echelon.yaml already exists", color.FgGreen)
		return nil
	}

	body, err := renderConfig(config.Default())
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# echelon project configuration\n")
	b.WriteString("# Uncomment and edit; unset values fall back to built-in defaults.\n")
	b.WriteString("# Environment variables override this file (ECHELON_*, ANTHROPIC_API_KEY).\n\n")
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		b.WriteString("# " + line + "\n")
	}

	if err := os.WriteFile(configPath, []byte(b.String()), 0644); err != nil {
		return err
	}
	printStatus("✓", "Created .echelon.yaml template", color.FgGreen)
	return nil
}

// updateGitignore adds the state directory to .gitignore. Projects
// without git (no .git, no .gitignore) are left alone.
func updateGitignore(root string) error {
	gitignorePath := filepath.Join(root, ".gitignore")
	_, gitErr := os.Stat(filepath.Join(root, ".git"))
	_, ignErr := os.Stat(gitignorePath)
	if os.IsNotExist(gitErr) && os.IsNotExist(ignErr) {
		return nil
	}

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	entry := config.DefaultStateDir + "/"
	if strings.Contains(existing, entry) {
		return nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if len(existing) > 0 && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n# echelon\n")
	b.WriteString(entry + "\n")

	if err := os.WriteFile(gitignorePath, []byte(b.String()), 0644); err != nil {
		return err
	}
	printStatus("✓", "Updated .gitignore with echelon entries", color.FgGreen)
	return nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
