package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/wailsapp/wails/v2/pkg/runtime"
	"gorm.io/gorm"

	"geoimport-desktop/internal/api"
	"geoimport-desktop/internal/config"
	"geoimport-desktop/internal/database"
	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"
	"geoimport-desktop/internal/services/actions"
	"geoimport-desktop/internal/services/entities"
	"geoimport-desktop/internal/services/levels"
	"geoimport-desktop/internal/services/profiles"
	"geoimport-desktop/internal/services/wizard"
)

// ErrNoSession is returned by session methods before OpenSession
var ErrNoSession = errors.New("no import session is open")

// App struct - main application state
type App struct {
	ctx             context.Context
	cfg             *config.Config
	db              *gorm.DB
	schedule        cron.Schedule
	profileService  *profiles.Service
	selectedProfile *models.ConnectionProfile

	mu      sync.Mutex
	session *session
}

// session bundles the orchestration components of one open import session
type session struct {
	id         string
	client     *api.Client
	controller *wizard.Controller
	levels     *levels.Sequencer
	entities   *entities.Loader
	notifier   *wailsNotifier
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	a.cfg = cfg

	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		logger.Warn("Failed to configure logging: %v", err)
	}
	logger.Info("Application starting up...")

	schedule, err := actions.ParseSchedule(cfg.PollSchedule)
	if err != nil {
		logger.Error("Invalid poll schedule: %v", err)
		os.Exit(1)
	}
	a.schedule = schedule

	db, err := database.Init(cfg)
	if err != nil {
		logger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	a.db = db

	a.profileService = profiles.NewService(db, profiles.ClientOptions{
		Timeout:   cfg.APITimeout,
		CacheSize: cfg.NameCacheSize,
	})

	logger.Info("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	logger.Info("Application shutting down...")

	a.CloseSession()

	if err := database.Close(a.db); err != nil {
		logger.Error("Error closing database: %v", err)
	}

	logger.Info("Shutdown complete")
	logger.Close()
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Profile Management Methods

// ListProfiles returns all connection profiles
func (a *App) ListProfiles() ([]models.ConnectionProfile, error) {
	return a.profileService.List()
}

// GetProfile retrieves a specific connection profile by ID
func (a *App) GetProfile(profileID string) (*models.ConnectionProfile, error) {
	return a.profileService.Get(profileID)
}

// CreateProfile creates a new connection profile.
// The frontend should call TestConnection first to validate the URL and token.
func (a *App) CreateProfile(req profiles.SaveRequest) (*models.ConnectionProfile, error) {
	return a.profileService.Create(req)
}

// UpdateProfile updates an existing connection profile
func (a *App) UpdateProfile(profileID string, req profiles.SaveRequest) (*models.ConnectionProfile, error) {
	return a.profileService.Update(profileID, req)
}

// DeleteProfile deletes a connection profile
func (a *App) DeleteProfile(profileID string) error {
	if a.selectedProfile != nil && a.selectedProfile.ID == profileID {
		a.CloseSession()
		a.selectedProfile = nil
	}
	return a.profileService.Delete(profileID)
}

// SelectProfile sets the currently selected profile
func (a *App) SelectProfile(profileID string) error {
	profile, err := a.profileService.Get(profileID)
	if err != nil {
		return err
	}
	a.CloseSession()
	a.selectedProfile = profile
	logger.Info("Selected profile: %s", profile.Name)
	return nil
}

// GetSelectedProfile returns the currently selected profile
func (a *App) GetSelectedProfile() *models.ConnectionProfile {
	return a.selectedProfile
}

// TestConnectionRequest represents a connection test request
type TestConnectionRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// TestConnectionResponse represents the test result
type TestConnectionResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// TestConnection checks a backend URL and token without saving them
func (a *App) TestConnection(req TestConnectionRequest) TestConnectionResponse {
	userName, err := a.profileService.TestConnection(a.ctx, req.URL, req.Token)
	if err != nil {
		return TestConnectionResponse{Success: false, Error: api.UserMessage(err)}
	}
	if userName == "" {
		userName = "Connected User"
	}
	return TestConnectionResponse{Success: true, UserName: userName}
}

// ====================================================================================
// SESSION / WIZARD
// ====================================================================================

// OpenSession starts driving an import session of the selected profile
func (a *App) OpenSession(sessionID string) (*wizard.State, error) {
	if a.selectedProfile == nil {
		return nil, errors.New("select a connection profile first")
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	client, _, err := a.profileService.Client(a.selectedProfile.ID)
	if err != nil {
		return nil, err
	}

	a.CloseSession()

	notifier := &wailsNotifier{ctx: a.ctx, sessionID: sessionID}
	s := &session{
		id:         sessionID,
		client:     client,
		controller: wizard.NewController(sessionID, wizard.DefaultSteps(), client, notifier, a.schedule),
		levels:     levels.NewSequencer(sessionID, client, a.cfg.LevelZeroEnabled),
		entities:   entities.NewLoader(sessionID, client, a.cfg.DefaultRowHeight),
		notifier:   notifier,
	}
	s.controller.SetEntities(s.entities)

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	logger.Info("Opened session %s on %s", sessionID, a.selectedProfile.BaseURL)
	if err := s.controller.Enter(a.ctx); err != nil {
		return nil, err
	}
	st := s.controller.State()
	return &st, nil
}

// CloseSession stops tracking and drops the open session, if any
func (a *App) CloseSession() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	s.controller.Close()
	s.client.ForgetSession(s.id)
	logger.Info("Closed session %s", s.id)
}

func (a *App) current() (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, ErrNoSession
	}
	return a.session, nil
}

// GetWizardState returns the current step and busy flags
func (a *App) GetWizardState() (*wizard.State, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	st := s.controller.State()
	return &st, nil
}

// ListSteps returns the wizard steps
func (a *App) ListSteps() ([]wizard.Step, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.controller.Steps(), nil
}

// NextStep saves the current step and moves forward
func (a *App) NextStep(payload map[string]interface{}) (*wizard.State, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	var body interface{}
	if payload != nil {
		body = payload
	}
	if err := s.controller.Next(a.ctx, body); err != nil {
		return nil, err
	}
	st := s.controller.State()
	return &st, nil
}

// PreviousStep moves back one step
func (a *App) PreviousStep() (*wizard.State, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	if err := s.controller.Back(a.ctx); err != nil {
		return nil, err
	}
	st := s.controller.State()
	return &st, nil
}

// MarkStepDirty records unsaved edits on the current step
func (a *App) MarkStepDirty() error {
	s, err := a.current()
	if err != nil {
		return err
	}
	s.controller.MarkDirty()
	return nil
}

// ====================================================================================
// ACTIONS
// ====================================================================================

// StartAction submits a batch job (validation, import) and tracks it
func (a *App) StartAction(kind, title string, payload map[string]interface{}) (string, error) {
	s, err := a.current()
	if err != nil {
		return "", err
	}
	return s.controller.StartAction(a.ctx, kind, title, payload)
}

// TrackAction watches an action submitted elsewhere, e.g. by an upload
func (a *App) TrackAction(token, title string) (bool, error) {
	s, err := a.current()
	if err != nil {
		return false, err
	}
	return s.controller.TrackAction(token, title), nil
}

// GetActionState returns the tracker state including the last outcome
func (a *App) GetActionState() (*actions.Snapshot, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	snap := s.controller.Tracker().Snapshot()
	return &snap, nil
}

// ====================================================================================
// FILES / LEVELS
// ====================================================================================

// FileView is an uploaded file with the move affordances the list needs
type FileView struct {
	models.UploadedFile
	CanMoveUp   bool `json:"can_move_up"`
	CanMoveDown bool `json:"can_move_down"`
}

// ListFiles returns the uploaded files ordered by level
func (a *App) ListFiles() ([]FileView, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return fileViews(s.levels), nil
}

func fileViews(seq *levels.Sequencer) []FileView {
	files := seq.Files()
	levelZero := seq.LevelZero()
	views := make([]FileView, len(files))
	for i, f := range files {
		level := levels.Base(levelZero) + i
		views[i] = FileView{
			UploadedFile: f,
			CanMoveUp:    f.Confirmed && !levels.IsFirst(level, levelZero),
			CanMoveDown:  f.Confirmed && !levels.IsLast(level, len(files), levelZero),
		}
	}
	return views
}

// AddPlaceholderFile reserves a level for a file that starts uploading
func (a *App) AddPlaceholderFile(name, contentType string) (*models.UploadedFile, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	f := s.levels.AddPlaceholder(name, contentType)
	a.emitFiles(s)
	return &f, nil
}

// SetFileProgress records upload progress of a file
func (a *App) SetFileProgress(fileID string, progress int) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.levels.SetProgress(fileID, progress)
}

// ConfirmFile replaces a placeholder with the id the server assigned
func (a *App) ConfirmFile(placeholderID, fileID string) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.Confirm(placeholderID, fileID)
	})
}

// FileArrived registers a file already known to the server and returns its level
func (a *App) FileArrived(fileID, name, contentType string) (string, error) {
	s, err := a.current()
	if err != nil {
		return "", err
	}
	level := s.levels.AssignOnArrival(fileID)
	if err := s.levels.Describe(fileID, name, contentType); err != nil {
		return "", err
	}
	a.emitFiles(s)
	return level, nil
}

// SwapLevels exchanges the levels of two files
func (a *App) SwapLevels(aID, bID string) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.Swap(a.ctx, aID, bID)
	})
}

// MoveFileUp moves a file one level up
func (a *App) MoveFileUp(fileID string) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.MoveUp(a.ctx, fileID)
	})
}

// MoveFileDown moves a file one level down
func (a *App) MoveFileDown(fileID string) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.MoveDown(a.ctx, fileID)
	})
}

// RemoveFile deletes a file and renumbers the rest
func (a *App) RemoveFile(fileID string) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.Remove(a.ctx, fileID)
	})
}

// SetLevelZero reserves or releases level 0 for the top file
func (a *App) SetLevelZero(enabled bool) error {
	return a.mutateFiles(func(s *session) error {
		return s.levels.SetLevelZero(a.ctx, enabled)
	})
}

// mutateFiles runs a level change, alerts on remote failures and publishes the new file list
func (a *App) mutateFiles(fn func(*session) error) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	err = fn(s)
	if err != nil && !errors.Is(err, levels.ErrUnknownFile) && !errors.Is(err, levels.ErrUnconfirmedFile) && !errors.Is(err, levels.ErrAtBoundary) {
		s.notifier.Alert("Could not update files", api.UserMessage(err))
	}
	a.emitFiles(s)
	return err
}

func (a *App) emitFiles(s *session) {
	s.notifier.Emit("files:changed", fileViews(s.levels))
}

// ====================================================================================
// ENTITIES
// ====================================================================================

// GetEntityIndex returns the ids-only summary fetched when the entity step was entered
func (a *App) GetEntityIndex() (*models.EntityIndex, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	if idx := s.entities.Index(); idx != nil {
		return idx, nil
	}
	return s.entities.Refresh(a.ctx)
}

// IsEntityRangeLoaded reports whether start..stop (inclusive) is loaded
func (a *App) IsEntityRangeLoaded(start, stop int) (bool, error) {
	s, err := a.current()
	if err != nil {
		return false, err
	}
	return s.entities.IsRangeLoaded(start, stop), nil
}

// LoadEntities makes sure start..stop is loaded, fetching missing rows in batches, and returns the rows
func (a *App) LoadEntities(start, stop int) ([]models.EntityRow, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}

	if s.entities.Empty() {
		return []models.EntityRow{}, nil
	}

	pending := s.entities.PendingRanges(start, stop, a.cfg.EntityBatchSize)
	if len(pending) > 0 {
		var wg sync.WaitGroup
		errs := make([]error, len(pending))
		for i, r := range pending {
			wg.Add(1)
			go func(i int, r entities.Range) {
				defer wg.Done()
				_, errs[i] = s.entities.LoadRange(a.ctx, r.Start, r.Stop)
			}(i, r)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil && !errors.Is(err, entities.ErrStaleRange) {
				logger.Error("Failed to load entities %d..%d: %v", start, stop, err)
				return s.entities.Rows(start, stop), fmt.Errorf("%s: %w", api.UserMessage(err), err)
			}
		}
	}

	return s.entities.Rows(start, stop), nil
}

// EntityLoadState summarises how much of the entity list is in memory
type EntityLoadState struct {
	Total  int  `json:"total"`
	Loaded int  `json:"loaded"`
	Empty  bool `json:"empty"`
}

// GetEntityLoadState reports the loaded share of the entity list, or that there is nothing to load
func (a *App) GetEntityLoadState() (*EntityLoadState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return &EntityLoadState{
		Total:  s.entities.Len(),
		Loaded: s.entities.LoadedCount(),
		Empty:  s.entities.Empty(),
	}, nil
}

// GetEntity returns one row of the entity list, loaded or not
func (a *App) GetEntity(index int) (*models.EntityRow, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	row, err := s.entities.Row(index)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateEntityMaxLevel sets the deepest level to import for an entity
func (a *App) UpdateEntityMaxLevel(index int, maxLevel int) (*models.EntityRow, error) {
	return a.updateEntity(index, func(r *models.EntityRow) {
		level := maxLevel
		r.MaxLevel = &level
	})
}

// UpdateEntityLevelName overrides the display label of one admin level of an entity
func (a *App) UpdateEntityLevelName(index int, level, label string) (*models.EntityRow, error) {
	return a.updateEntity(index, func(r *models.EntityRow) {
		if r.AdminLevelNames == nil {
			r.AdminLevelNames = make(map[string]string)
		}
		if label == "" {
			delete(r.AdminLevelNames, level)
			return
		}
		r.AdminLevelNames[level] = label
	})
}

func (a *App) updateEntity(index int, fn func(*models.EntityRow)) (*models.EntityRow, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	row, err := s.entities.UpdateRow(index, fn)
	if err != nil {
		return nil, err
	}
	s.controller.MarkDirty()
	return &row, nil
}

// EntityName resolves an entity id to its display name
func (a *App) EntityName(entityID int64) (string, error) {
	s, err := a.current()
	if err != nil {
		return "", err
	}
	return s.client.EntityName(a.ctx, s.id, entityID), nil
}

// RowLayout is the scroll geometry the virtualized list needs
type RowLayout struct {
	Offset      int `json:"offset"`
	TotalHeight int `json:"total_height"`
}

// RecordRowHeight stores a measured row height and returns the updated geometry of that row
func (a *App) RecordRowHeight(index, height int) (*RowLayout, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	heights := s.entities.Heights()
	heights.RecordHeight(index, height)
	return &RowLayout{Offset: heights.Offset(index), TotalHeight: heights.TotalHeight()}, nil
}

// GetRowOffset returns the top of a row
func (a *App) GetRowOffset(index int) (int, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	return s.entities.Heights().Offset(index), nil
}

// GetEntityListHeight returns the height of the whole list
func (a *App) GetEntityListHeight() (int, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	return s.entities.Heights().TotalHeight(), nil
}

// IndexAtOffset returns the row at a scroll position
func (a *App) IndexAtOffset(y int) (int, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	return s.entities.Heights().IndexAtOffset(y), nil
}

// SelectionState is the checked entity ids
type SelectionState struct {
	IDs         []int64 `json:"ids"`
	AllSelected bool    `json:"all_selected"`
}

func selectionState(sel *entities.Selection) *SelectionState {
	return &SelectionState{IDs: sel.Selected(), AllSelected: sel.AllSelected()}
}

// ToggleEntity flips the selection of one entity
func (a *App) ToggleEntity(entityID int64) (*SelectionState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	s.entities.Selection().Toggle(entityID)
	return selectionState(s.entities.Selection()), nil
}

// SetEntitySelected selects or deselects one entity
func (a *App) SetEntitySelected(entityID int64, selected bool) (*SelectionState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	s.entities.Selection().Set(entityID, selected)
	return selectionState(s.entities.Selection()), nil
}

// SelectAllEntities selects every entity of the session, loaded or not
func (a *App) SelectAllEntities() (*SelectionState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	s.entities.Selection().SelectAll()
	return selectionState(s.entities.Selection()), nil
}

// ClearEntitySelection deselects everything
func (a *App) ClearEntitySelection() (*SelectionState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	s.entities.Selection().Clear()
	return selectionState(s.entities.Selection()), nil
}

// GetEntitySelection returns the current selection
func (a *App) GetEntitySelection() (*SelectionState, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return selectionState(s.entities.Selection()), nil
}

// ====================================================================================
// NOTIFIER
// ====================================================================================

// wailsNotifier delivers controller alerts as native dialogs and events to the webview.
// Event names are suffixed with the session id, e.g. "action:failed:<session>".
type wailsNotifier struct {
	ctx       context.Context
	sessionID string
}

func (n *wailsNotifier) Alert(title, message string) {
	if n.ctx == nil {
		return
	}
	_, err := runtime.MessageDialog(n.ctx, runtime.MessageDialogOptions{
		Type:    runtime.ErrorDialog,
		Title:   title,
		Message: message,
	})
	if err != nil {
		logger.Warn("Failed to show dialog %q: %v", title, err)
	}
}

func (n *wailsNotifier) Emit(event string, data ...interface{}) {
	if n.ctx == nil {
		return
	}
	runtime.EventsEmit(n.ctx, fmt.Sprintf("%s:%s", event, n.sessionID), data...)
}
