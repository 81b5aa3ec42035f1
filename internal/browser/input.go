package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/humanoid"
)

const (
	// wheelDelta is the pixel distance of one wheel click.
	wheelDelta = 100.0
	// pressDuration is how long a button or key is held.
	pressDuration = 50 * time.Millisecond
	// multiClickGap separates the presses of a double or triple click.
	multiClickGap = 80 * time.Millisecond
)

var errFromTarget = errors.New("target-relative action reached the browser unresolved")

// Dispatch executes a primitive action. Composite actions must be expanded by
// the caller.
func (b *Backend) Dispatch(ctx context.Context, a schemas.Action) (schemas.Ack, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Ack{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	switch v := a.(type) {
	case schemas.Click:
		if v.FromTarget {
			return schemas.Ack{}, errFromTarget
		}
		err = b.click(ctx, v)
	case schemas.MultiClick:
		if v.FromTarget {
			return schemas.Ack{}, errFromTarget
		}
		err = b.multiClick(ctx, v)
	case schemas.Drag:
		if v.FromTarget {
			return schemas.Ack{}, errFromTarget
		}
		err = b.drag(ctx, v)
	case schemas.Scroll:
		if v.FromTarget {
			return schemas.Ack{}, errFromTarget
		}
		err = b.scroll(ctx, v)
	case schemas.Key:
		err = b.hotkey(ctx, []string{v.Name})
	case schemas.Hotkey:
		err = b.hotkey(ctx, v.Keys)
	case schemas.Wait:
		if v.Until != nil {
			return schemas.Ack{}, fmt.Errorf("%w: conditional wait", schemas.ErrUnsupportedAction)
		}
		err = b.sleep(ctx, v.Duration)
	default:
		return schemas.Ack{}, fmt.Errorf("%w: %s", schemas.ErrUnsupportedAction, kindOf(a))
	}
	if err != nil {
		return schemas.Ack{}, err
	}
	b.logger.Debug("Dispatched action", zap.String("action", schemas.Describe(a)))
	return schemas.Ack{Status: schemas.AckSuccess}, nil
}

func kindOf(a schemas.Action) string {
	if a == nil {
		return "nil"
	}
	return string(a.Kind())
}

// -- Pointer --

func button(b schemas.MouseButton) input.MouseButton {
	if b == "" {
		return input.MouseButton(schemas.ButtonLeft)
	}
	return input.MouseButton(b)
}

// buttonsMask returns the bitmask of held buttons reported with move events.
func buttonsMask(b schemas.MouseButton) int64 {
	switch b {
	case schemas.ButtonRight:
		return 2
	case schemas.ButtonMiddle:
		return 4
	default:
		return 1
	}
}

// moveTo travels from the current cursor to target, along a humanoid
// trajectory when enabled. held is the button kept pressed, or "".
func (b *Backend) moveTo(ctx context.Context, target humanoid.Vector2D, duration time.Duration, held schemas.MouseButton) error {
	path := []humanoid.Waypoint{{Pos: target}}
	if b.planner != nil {
		path = b.planner.Plan(b.cursor, target, duration)
	}

	var elapsed time.Duration
	for _, wp := range path {
		if err := b.sleep(ctx, wp.At-elapsed); err != nil {
			return err
		}
		elapsed = wp.At

		ev := input.DispatchMouseEvent(input.MouseMoved, wp.Pos.X, wp.Pos.Y)
		if held != "" {
			ev = ev.WithButton(button(held)).WithButtons(buttonsMask(held))
		}
		if err := b.dispatch(ctx, ev); err != nil {
			return fmt.Errorf("failed to move pointer: %w", err)
		}
		b.cursor = wp.Pos
	}
	return nil
}

func (b *Backend) press(ctx context.Context, at humanoid.Vector2D, btn schemas.MouseButton, count int64) error {
	down := input.DispatchMouseEvent(input.MousePressed, at.X, at.Y).
		WithButton(button(btn)).
		WithButtons(buttonsMask(btn)).
		WithClickCount(count)
	if err := b.dispatch(ctx, down); err != nil {
		return fmt.Errorf("failed to press %s button: %w", btn, err)
	}
	if err := b.sleep(ctx, pressDuration); err != nil {
		return err
	}
	return b.release(ctx, at, btn, count)
}

func (b *Backend) release(ctx context.Context, at humanoid.Vector2D, btn schemas.MouseButton, count int64) error {
	up := input.DispatchMouseEvent(input.MouseReleased, at.X, at.Y).
		WithButton(button(btn)).
		WithClickCount(count)
	if err := b.dispatch(ctx, up); err != nil {
		return fmt.Errorf("failed to release %s button: %w", btn, err)
	}
	return nil
}

func point(x, y int) humanoid.Vector2D {
	return humanoid.Vector2D{X: float64(x), Y: float64(y)}
}

func (b *Backend) click(ctx context.Context, c schemas.Click) error {
	at := point(c.X+c.OffsetX, c.Y+c.OffsetY)
	if err := b.moveTo(ctx, at, c.MoveDuration, ""); err != nil {
		return err
	}
	if err := b.sleep(ctx, c.ClickDelay); err != nil {
		return err
	}
	return b.press(ctx, at, c.Button, 1)
}

func (b *Backend) multiClick(ctx context.Context, c schemas.MultiClick) error {
	at := point(c.X, c.Y)
	if err := b.moveTo(ctx, at, 0, ""); err != nil {
		return err
	}
	count := c.Count
	if count < 1 {
		count = 2
	}
	for i := 1; i <= count; i++ {
		if i > 1 {
			if err := b.sleep(ctx, multiClickGap); err != nil {
				return err
			}
		}
		if err := b.press(ctx, at, c.Button, int64(i)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) drag(ctx context.Context, d schemas.Drag) error {
	start := humanoid.FromPoint(d.Start)
	end := humanoid.FromPoint(d.Destination())
	if err := b.moveTo(ctx, start, 0, ""); err != nil {
		return err
	}
	down := input.DispatchMouseEvent(input.MousePressed, start.X, start.Y).
		WithButton(button(d.Button)).
		WithButtons(buttonsMask(d.Button)).
		WithClickCount(1)
	if err := b.dispatch(ctx, down); err != nil {
		return fmt.Errorf("failed to start drag: %w", err)
	}
	duration := d.Duration
	if duration <= 0 {
		duration = schemas.DefaultDragDuration
	}
	held := d.Button
	if held == "" {
		held = schemas.ButtonLeft
	}
	if err := b.moveTo(ctx, end, duration, held); err != nil {
		// Never leave the button stuck down.
		_ = b.release(context.WithoutCancel(ctx), b.cursor, d.Button, 1)
		return err
	}
	return b.release(ctx, end, d.Button, 1)
}

func (b *Backend) scroll(ctx context.Context, s schemas.Scroll) error {
	at := point(s.X, s.Y)
	if err := b.moveTo(ctx, at, 0, ""); err != nil {
		return err
	}
	clicks := s.Clicks
	if clicks <= 0 {
		clicks = schemas.DefaultScrollClicks
	}
	delta := float64(clicks) * wheelDelta
	if s.Direction != schemas.ScrollDown {
		delta = -delta
	}
	ev := input.DispatchMouseEvent(input.MouseWheel, at.X, at.Y).WithDeltaX(0).WithDeltaY(delta)
	if err := b.dispatch(ctx, ev); err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

// -- Keyboard --

// hotkey presses keys in order, holding each until all are down, then
// releases them in reverse. A single key is a plain press.
func (b *Backend) hotkey(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("no keys to press")
	}
	defs := make([]keyDef, len(names))
	for i, name := range names {
		defs[i] = lookupKey(name)
	}

	var mods input.Modifier
	pressed := 0
	var err error
	for _, def := range defs {
		mods |= def.modifier
		if err = b.dispatch(ctx, keyEvent(input.KeyDown, def, mods)); err != nil {
			break
		}
		pressed++
	}
	if err == nil {
		err = b.sleep(ctx, pressDuration)
	}

	// Release whatever went down, even when the press failed part way.
	releaseCtx := ctx
	if err != nil {
		releaseCtx = context.WithoutCancel(ctx)
	}
	for i := pressed - 1; i >= 0; i-- {
		if upErr := b.dispatch(releaseCtx, keyEvent(input.KeyUp, defs[i], mods)); upErr != nil && err == nil {
			err = upErr
		}
		mods &^= defs[i].modifier
	}
	if err != nil {
		return fmt.Errorf("failed to press %v: %w", names, err)
	}
	return nil
}

func keyEvent(typ input.KeyType, def keyDef, mods input.Modifier) *input.DispatchKeyEventParams {
	ev := input.DispatchKeyEvent(typ).
		WithKey(def.key).
		WithModifiers(mods)
	if def.code != "" {
		ev = ev.WithCode(def.code)
	}
	if def.keyCode != 0 {
		ev = ev.WithWindowsVirtualKeyCode(def.keyCode).WithNativeVirtualKeyCode(def.keyCode)
	}
	// Text is only produced without command modifiers, so ctrl+a selects instead of typing.
	if typ == input.KeyDown && def.text != "" && mods&^input.ModifierShift == 0 {
		ev = ev.WithText(def.text).WithUnmodifiedText(def.text)
	}
	return ev
}

func (b *Backend) dispatch(ctx context.Context, a chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	err := b.run(opCtx, a)
	if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("input event timed out after %v: %w", eventTimeout, opCtx.Err())
	}
	return err
}
