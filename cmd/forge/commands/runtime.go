package commands

import (
	"context"
	"fmt"

	"github.com/forgecode/forge/internal/agent"
	"github.com/forgecode/forge/internal/config"
	"github.com/forgecode/forge/internal/executor"
	"github.com/forgecode/forge/internal/formatter"
	"github.com/forgecode/forge/internal/permission"
	"github.com/forgecode/forge/internal/provider"
	"github.com/forgecode/forge/internal/session"
	"github.com/forgecode/forge/internal/storage"
	"github.com/forgecode/forge/internal/tool"
	"github.com/forgecode/forge/internal/vcs"
)

// runtime bundles the long-lived components the interactive and
// protocol-server commands share: one storage, one provider registry,
// one immutable tool registry, and the session manager that owns every
// SessionInstance.
type runtime struct {
	store       *storage.Storage
	providerReg *provider.Registry
	toolReg     *tool.Registry
	service     *session.Service
	manager     *session.MultiSessionManager
}

// buildRuntime constructs the shared runtime rooted at workDir,
// honoring the global --model/--record/--playback flags.
func buildRuntime(ctx context.Context, workDir string) (*runtime, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, &configError{fmt.Errorf("preparing state directories: %w", err)}
	}

	appCfg, err := config.Load(workDir)
	if err != nil {
		return nil, &configError{fmt.Errorf("loading config: %w", err)}
	}
	if flagModel != "" {
		appCfg.Model = flagModel
	}

	store := storage.New(paths.StoragePath())

	var providerReg *provider.Registry
	defaultProviderID, defaultModelID := provider.ParseModelString(appCfg.Model)
	if flagPlayback != "" {
		playback, err := provider.NewPlaybackProvider(flagPlayback, flagFastPlayback)
		if err != nil {
			return nil, fmt.Errorf("loading playback recording: %w", err)
		}
		providerReg = provider.NewRegistry(appCfg)
		providerReg.Register(playback)
		defaultProviderID = playback.ID()
		defaultModelID = playback.Models()[0].ID
	} else {
		providerReg, err = provider.InitializeProviders(ctx, appCfg)
		if err != nil {
			return nil, &configError{fmt.Errorf("initializing providers: %w", err)}
		}
		if flagRecord != "" && defaultProviderID != "" {
			prov, err := providerReg.Get(defaultProviderID)
			if err == nil {
				recording, err := provider.NewRecordingProvider(prov, flagRecord)
				if err != nil {
					return nil, fmt.Errorf("opening recording file: %w", err)
				}
				providerReg.Register(recording)
			}
		}
	}

	toolReg := tool.DefaultRegistry(workDir, store)
	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Storage:           store,
		ProviderRegistry:  providerReg,
		ToolRegistry:      toolReg,
		PermissionChecker: permission.NewChecker(),
		AgentRegistry:     agentReg,
		WorkDir:           workDir,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
	}))

	svc := session.NewServiceWithProcessor(
		store,
		providerReg,
		toolReg,
		permission.NewChecker(),
		defaultProviderID,
		defaultModelID,
	)
	svc.GetProcessor().SetFormatter(formatter.NewManager(workDir, appCfg))

	if watcher, err := vcs.NewWatcher(workDir); err == nil && watcher != nil {
		watcher.Start()
	}

	return &runtime{
		store:       store,
		providerReg: providerReg,
		toolReg:     toolReg,
		service:     svc,
		manager:     session.NewMultiSessionManager(svc),
	}, nil
}
