//go:build windows

package patching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/breeze-rmm/provision/internal/executor"
	"github.com/breeze-rmm/provision/internal/retry"
)

const (
	pendingCriteria  = "IsInstalled=0 and IsHidden=0"
	sFalse           = 1
	updateTypeDriver = 2
)

// comAgent drives the Windows Update Agent over IDispatch. Each call opens
// its own session on a locked OS thread. A dispatch pulled out of a VARIANT
// is owned through the dispatch and released once, never also cleared.
type comAgent struct {
	busy retry.Policy
	log  *slog.Logger
}

func newWUAgent(busy retry.Policy, log *slog.Logger) wuAgent {
	return &comAgent{busy: busy, log: log}
}

func (a *comAgent) Search(ctx context.Context) ([]wuUpdate, error) {
	var updates []wuUpdate
	err := a.withSession(ctx, func(session *ole.IDispatch) error {
		_, err := a.eachPending(ctx, session, func(update *ole.IDispatch) bool {
			u, err := readUpdate(update)
			if err != nil {
				a.log.Debug("skipping unreadable update", "error", err)
				return false
			}
			updates = append(updates, u)
			return false
		})
		return err
	})
	return updates, err
}

func (a *comAgent) Install(ctx context.Context, id string, acceptEula bool) (wuInstallResult, error) {
	var res wuInstallResult
	err := a.withSession(ctx, func(session *ole.IDispatch) error {
		update, err := a.eachPending(ctx, session, func(update *ole.IDispatch) bool {
			u, err := readUpdate(update)
			return err == nil && u.ID == id
		})
		if err != nil {
			return err
		}
		if update == nil {
			return errUpdateNotPending
		}
		defer update.Release()

		if acceptEula {
			if err := acceptEulaIfNeeded(update); err != nil {
				a.log.Warn("EULA acceptance failed", "updateId", id, "error", err)
			}
		}

		installer, err := createInstaller(session, update)
		if err != nil {
			return &wuaCallError{Op: "CreateUpdateInstaller", HResult: hresultFromError(err), Err: err}
		}
		defer installer.Release()

		resultVar, err := a.call(ctx, "Install", func() (*ole.VARIANT, error) {
			return oleutil.CallMethod(installer, "Install")
		})
		if err != nil {
			return err
		}

		result := resultVar.ToIDispatch()
		if result == nil {
			return &wuaCallError{Op: "Install", HResult: ExitUnspecifiedFailure, Err: errors.New("missing installation result")}
		}
		defer result.Release()

		res.ResultCode, _ = intProperty(result, "ResultCode")
		res.RebootRequired, _ = boolProperty(result, "RebootRequired")

		updateResultVar, err := oleutil.CallMethod(result, "GetUpdateResult", 0)
		if err == nil {
			if updateResult := updateResultVar.ToIDispatch(); updateResult != nil {
				res.HResult, _ = intProperty(updateResult, "HResult")
				updateResult.Release()
			}
		}
		return nil
	})
	return res, err
}

// withSession initializes COM on a locked thread and hands action an
// IUpdateSession. Failing to reach the agent at all is an
// *executor.ExecutionError.
func (a *comAgent) withSession(ctx context.Context, action func(session *ole.IDispatch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return &executor.ExecutionError{Path: wuaProgID, Err: fmt.Errorf("initialize COM: %w", err)}
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject(wuaProgID)
	if err != nil {
		return &executor.ExecutionError{Path: wuaProgID, Err: fmt.Errorf("create update session: %w", err)}
	}
	defer unknown.Release()

	session, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return &executor.ExecutionError{Path: wuaProgID, Err: fmt.Errorf("query update session: %w", err)}
	}
	defer session.Release()

	return action(session)
}

// call runs one COM method, retrying under the busy policy while another
// scan or install holds the agent.
func (a *comAgent) call(ctx context.Context, op string, fn func() (*ole.VARIANT, error)) (*ole.VARIANT, error) {
	var out *ole.VARIANT
	err := retry.Do(ctx, a.busy, func(ctx context.Context, attempt int) error {
		v, err := fn()
		if err == nil {
			out = v
			return nil
		}
		callErr := &wuaCallError{Op: op, HResult: hresultFromError(err), Err: err}
		if !isAgentBusy(callErr.HResult) {
			return retry.Permanent(callErr)
		}
		a.log.Warn("Windows Update Agent busy", "operation", op, "attempt", attempt)
		return callErr
	})
	return out, err
}

// eachPending searches for pending updates and calls visit on each. When
// visit returns true the update is returned unreleased and the walk stops.
func (a *comAgent) eachPending(ctx context.Context, session *ole.IDispatch, visit func(update *ole.IDispatch) bool) (*ole.IDispatch, error) {
	searcherVar, err := oleutil.CallMethod(session, "CreateUpdateSearcher")
	if err != nil {
		return nil, &wuaCallError{Op: "CreateUpdateSearcher", HResult: hresultFromError(err), Err: err}
	}
	searcher := searcherVar.ToIDispatch()
	if searcher == nil {
		return nil, &wuaCallError{Op: "CreateUpdateSearcher", HResult: ExitUnspecifiedFailure, Err: errors.New("nil searcher")}
	}
	defer searcher.Release()

	resultVar, err := a.call(ctx, "Search", func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(searcher, "Search", pendingCriteria)
	})
	if err != nil {
		return nil, err
	}
	result := resultVar.ToIDispatch()
	if result == nil {
		return nil, &wuaCallError{Op: "Search", HResult: ExitUnspecifiedFailure, Err: errors.New("nil result")}
	}
	defer result.Release()

	updatesVar, err := oleutil.GetProperty(result, "Updates")
	if err != nil {
		return nil, &wuaCallError{Op: "Updates", HResult: hresultFromError(err), Err: err}
	}
	updates := updatesVar.ToIDispatch()
	if updates == nil {
		return nil, &wuaCallError{Op: "Updates", HResult: ExitUnspecifiedFailure, Err: errors.New("updates collection missing")}
	}
	defer updates.Release()

	count, err := intProperty(updates, "Count")
	if err != nil {
		return nil, &wuaCallError{Op: "Updates.Count", HResult: hresultFromError(err), Err: err}
	}
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.CallMethod(updates, "Item", i)
		if err != nil {
			continue
		}
		update := itemVar.ToIDispatch()
		if update == nil {
			continue
		}
		if visit(update) {
			return update, nil
		}
		update.Release()
	}
	return nil, nil
}

func readUpdate(update *ole.IDispatch) (wuUpdate, error) {
	identityVar, err := oleutil.GetProperty(update, "Identity")
	if err != nil {
		return wuUpdate{}, err
	}
	identity := identityVar.ToIDispatch()
	if identity == nil {
		return wuUpdate{}, errors.New("update identity missing")
	}
	defer identity.Release()

	id, err := stringProperty(identity, "UpdateID")
	if err != nil {
		return wuUpdate{}, err
	}
	title, _ := stringProperty(update, "Title")
	updateType, _ := intProperty(update, "Type")
	browseOnly, _ := boolProperty(update, "BrowseOnly")

	return wuUpdate{
		ID:         id,
		Title:      title,
		KB:         firstKB(update),
		Driver:     updateType == updateTypeDriver,
		BrowseOnly: browseOnly,
	}, nil
}

func firstKB(update *ole.IDispatch) string {
	kbVar, err := oleutil.GetProperty(update, "KBArticleIDs")
	if err != nil {
		return ""
	}
	kbs := kbVar.ToIDispatch()
	if kbs == nil {
		return ""
	}
	defer kbs.Release()

	if count, err := intProperty(kbs, "Count"); err != nil || count == 0 {
		return ""
	}
	itemVar, err := oleutil.CallMethod(kbs, "Item", 0)
	if err != nil {
		return ""
	}
	defer itemVar.Clear()
	return kbNumber(itemVar.ToString())
}

func createInstaller(session, update *ole.IDispatch) (*ole.IDispatch, error) {
	collectionObj, err := oleutil.CreateObject("Microsoft.Update.UpdateColl")
	if err != nil {
		return nil, fmt.Errorf("create update collection: %w", err)
	}
	defer collectionObj.Release()

	collection, err := collectionObj.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("update collection dispatch: %w", err)
	}
	defer collection.Release()

	if _, err := oleutil.CallMethod(collection, "Add", update); err != nil {
		return nil, fmt.Errorf("add update: %w", err)
	}

	installerVar, err := oleutil.CallMethod(session, "CreateUpdateInstaller")
	if err != nil {
		return nil, fmt.Errorf("create installer: %w", err)
	}
	installer := installerVar.ToIDispatch()
	if installer == nil {
		return nil, errors.New("create installer: nil installer")
	}

	if _, err := oleutil.PutProperty(installer, "Updates", collection); err != nil {
		installer.Release()
		return nil, fmt.Errorf("set installer updates: %w", err)
	}
	return installer, nil
}

func acceptEulaIfNeeded(update *ole.IDispatch) error {
	if accepted, _ := boolProperty(update, "EulaAccepted"); accepted {
		return nil
	}
	if _, err := oleutil.CallMethod(update, "AcceptEula"); err != nil {
		return fmt.Errorf("AcceptEula: %w", err)
	}
	return nil
}

func stringProperty(dispatch *ole.IDispatch, name string) (string, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return "", err
	}
	defer value.Clear()
	return value.ToString(), nil
}

func intProperty(dispatch *ole.IDispatch, name string) (int, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return 0, err
	}
	defer value.Clear()
	return int(value.Val), nil
}

func boolProperty(dispatch *ole.IDispatch, name string) (bool, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return false, err
	}
	defer value.Clear()
	return value.Val != 0, nil
}
