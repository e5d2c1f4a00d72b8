package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mazubot/mazuadm/pkg/client"
	"github.com/mazubot/mazuadm/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply mazuadm resources from a YAML file.

A file may hold several documents separated by ---. Documents are
applied in file order, so declare a Challenge before the Exploits
that reference it by name.

Examples:
  # Apply a single challenge
  mazuadm apply -f challenge.yaml

  # Apply a whole game setup (challenges, teams, exploits)
  mazuadm apply -f game.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one YAML document of an apply manifest.
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	c := api(cmd)
	defer c.Close()

	dec := yaml.NewDecoder(f)
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if resource.Kind == "" {
			continue
		}

		switch resource.Kind {
		case "Challenge":
			err = applyChallenge(c, &resource)
		case "Team":
			err = applyTeam(c, &resource)
		case "Exploit":
			err = applyExploit(c, &resource)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
		if err != nil {
			return err
		}
	}
}

func applyChallenge(c *client.Client, resource *Resource) error {
	name := resource.Metadata.Name
	if name == "" {
		return fmt.Errorf("challenge name is required")
	}

	existing, err := findChallengeByName(c, name)
	if err != nil {
		return err
	}

	// Keys missing from the manifest keep their current value on update
	// and get defaults on create.
	base := types.Challenge{Enabled: true}
	if existing != nil {
		base = *existing
	}
	ch := types.Challenge{
		Name:        name,
		Enabled:     getBool(resource.Spec, "enabled", base.Enabled),
		DefaultPort: getInt(resource.Spec, "port", base.DefaultPort),
		Priority:    getInt(resource.Spec, "priority", base.Priority),
		FlagRegex:   getString(resource.Spec, "flag_regex", base.FlagRegex),
	}

	if existing != nil {
		fmt.Printf("Updating challenge: %s\n", name)
		updated, err := c.UpdateChallenge(existing.ID, ch)
		if err != nil {
			return fmt.Errorf("failed to update challenge: %v", err)
		}
		fmt.Printf("✓ Challenge updated: %s (ID: %d)\n", updated.Name, updated.ID)
		return nil
	}

	fmt.Printf("Creating challenge: %s\n", name)
	created, err := c.CreateChallenge(ch)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %v", err)
	}
	fmt.Printf("✓ Challenge created: %s (ID: %d)\n", created.Name, created.ID)
	return nil
}

func applyTeam(c *client.Client, resource *Resource) error {
	name := resource.Metadata.Name
	if name == "" {
		return fmt.Errorf("team name is required")
	}

	existing, err := findTeamByName(c, name)
	if err != nil {
		return err
	}

	base := types.Team{TeamID: name, Enabled: true}
	if existing != nil {
		base = *existing
	}
	t := types.Team{
		TeamID:    getString(resource.Spec, "team_id", base.TeamID),
		TeamName:  name,
		DefaultIP: getString(resource.Spec, "default_ip", base.DefaultIP),
		Priority:  getInt(resource.Spec, "priority", base.Priority),
		Enabled:   getBool(resource.Spec, "enabled", base.Enabled),
	}

	if existing != nil {
		fmt.Printf("Updating team: %s\n", name)
		updated, err := c.UpdateTeam(existing.ID, t)
		if err != nil {
			return fmt.Errorf("failed to update team: %v", err)
		}
		fmt.Printf("✓ Team updated: %s (ID: %d)\n", updated.TeamName, updated.ID)
		return nil
	}

	fmt.Printf("Creating team: %s\n", name)
	created, err := c.CreateTeam(t)
	if err != nil {
		return fmt.Errorf("failed to create team: %v", err)
	}
	fmt.Printf("✓ Team created: %s (ID: %d)\n", created.TeamName, created.ID)
	return nil
}

func applyExploit(c *client.Client, resource *Resource) error {
	name := resource.Metadata.Name
	if name == "" {
		return fmt.Errorf("exploit name is required")
	}

	// Resolve the challenge reference first so the existing-exploit lookup
	// can disambiguate same-named exploits on different challenges.
	var challengeID int64
	if challengeName := getString(resource.Spec, "challenge", ""); challengeName != "" {
		ch, err := findChallengeByName(c, challengeName)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("unknown challenge: %s", challengeName)
		}
		challengeID = ch.ID
	}

	existing, err := findExploitByName(c, name, challengeID)
	if err != nil {
		return err
	}

	base := types.Exploit{Enabled: true, MaxPerContainer: 1, DefaultCounter: types.DefaultExecBudget}
	if existing != nil {
		base = *existing
	}
	if challengeID == 0 {
		challengeID = base.ChallengeID
	}
	if challengeID == 0 {
		return fmt.Errorf("exploit challenge is required")
	}

	image := getString(resource.Spec, "image", base.DockerImage)
	if image == "" {
		return fmt.Errorf("exploit image is required")
	}

	env := base.Env
	if envSpec, ok := resource.Spec["env"].(map[string]interface{}); ok {
		env = make([]string, 0, len(envSpec))
		for k, v := range envSpec {
			env = append(env, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(env)
	}

	e := types.Exploit{
		Name:                 name,
		ChallengeID:          challengeID,
		DockerImage:          image,
		Entrypoint:           getString(resource.Spec, "entrypoint", base.Entrypoint),
		Enabled:              getBool(resource.Spec, "enabled", base.Enabled),
		MaxPerContainer:      getInt(resource.Spec, "max_per_container", base.MaxPerContainer),
		MaxContainers:        getInt(resource.Spec, "max_containers", base.MaxContainers),
		TimeoutSecs:          getInt(resource.Spec, "timeout", base.TimeoutSecs),
		DefaultCounter:       getInt(resource.Spec, "counter", base.DefaultCounter),
		IgnoreConnectionInfo: getBool(resource.Spec, "ignore_connection_info", base.IgnoreConnectionInfo),
		Env:                  env,
	}

	if existing != nil {
		fmt.Printf("Updating exploit: %s\n", name)
		updated, err := c.UpdateExploit(existing.ID, e)
		if err != nil {
			return fmt.Errorf("failed to update exploit: %v", err)
		}
		fmt.Printf("✓ Exploit updated: %s (ID: %d)\n", updated.Name, updated.ID)
		return nil
	}

	autoAdd := getBool(resource.Spec, "auto_add", true)
	fmt.Printf("Creating exploit: %s\n", name)
	created, err := c.CreateExploit(e, autoAdd)
	if err != nil {
		return fmt.Errorf("failed to create exploit: %v", err)
	}
	fmt.Printf("✓ Exploit created: %s (ID: %d)\n", created.Name, created.ID)
	return nil
}

func findChallengeByName(c *client.Client, name string) (*types.Challenge, error) {
	challenges, err := c.ListChallenges()
	if err != nil {
		return nil, err
	}
	for i := range challenges {
		if challenges[i].Name == name {
			return &challenges[i], nil
		}
	}
	return nil, nil
}

func findTeamByName(c *client.Client, name string) (*types.Team, error) {
	teams, err := c.ListTeams()
	if err != nil {
		return nil, err
	}
	for i := range teams {
		if teams[i].TeamName == name {
			return &teams[i], nil
		}
	}
	return nil, nil
}

// findExploitByName matches by name, narrowed to one challenge when
// challengeID is non-zero.
func findExploitByName(c *client.Client, name string, challengeID int64) (*types.Exploit, error) {
	var filter *int64
	if challengeID != 0 {
		filter = &challengeID
	}
	exploits, err := c.ListExploits(filter)
	if err != nil {
		return nil, err
	}
	for i := range exploits {
		if exploits[i].Name == name {
			return &exploits[i], nil
		}
	}
	return nil, nil
}

// Helper functions
func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]interface{}, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}

func getBool(m map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}
