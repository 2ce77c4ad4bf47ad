// File: internal/browser/scripts.go
package browser

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// The scripts below execute inside the target page via the evaluate_script
// tool. They are opaque data from this package's point of view: parameterised
// string templates, not logic to be reimplemented locally. The selection and
// scoring constants encode known-good behavior against real pages; changing
// them is a compatibility decision, not a refactor.

// clickScriptTemplate selects and clicks the element best matching a selector
// token. The token is treated as CSS when it looks like CSS, else as free
// text matched against the visible text/labels of interactive elements.
// Candidates are filtered to visible elements and scored: viewport-center
// proximity, link semantics and content-destination hrefs score up;
// same-page anchors and navigation/sidebar chrome score down.
const clickScriptTemplate = `() => {
  const target = __SELECTOR__;
  const normalized = String(target || '').trim();
  if (!normalized) return {ok: false, reason: 'empty selector'};
  const looksLikeCss = /[#.\[\]>:+~]/.test(normalized) || /^[a-z][a-z0-9_-]*(\s|$)/i.test(normalized);
  const clickableSelector = 'button, a, [role="button"], input[type="submit"], input[type="button"], summary';
  const asClickable = (node) => {
    if (!node) return null;
    if (node.matches && node.matches(clickableSelector)) return node;
    if (node.closest) { const parent = node.closest(clickableSelector); if (parent) return parent; }
    if (node.querySelector) { const child = node.querySelector(clickableSelector); if (child) return child; }
    return null;
  };
  const isVisible = (node) => {
    if (!node) return false;
    const rect = node.getBoundingClientRect();
    if (!rect || rect.width <= 1 || rect.height <= 1) return false;
    const style = window.getComputedStyle(node);
    if (!style || style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
    return true;
  };
  const scoreNode = (node) => {
    if (!node) return -1e9;
    const rect = node.getBoundingClientRect();
    const cx = rect.left + rect.width / 2;
    const cy = rect.top + rect.height / 2;
    const centerDist = Math.hypot(cx - window.innerWidth / 2, cy - window.innerHeight / 2);
    let score = -centerDist / 25;
    if (node.tagName === 'A') score += 20;
    const href = String((node.getAttribute && node.getAttribute('href')) || '').trim().toLowerCase();
    if (href) score += 8;
    if (href.startsWith('#') || href.startsWith('javascript:')) score -= 80;
    if (href.includes('/watch') || href.includes('watch?v=')) score += 70;
    if (href.includes('results?search_query=')) score -= 35;
    const text = (node.innerText || node.textContent || '').trim();
    if (text.length >= 8) score += 10;
    if (node.closest('main, article, [role="main"], ytd-two-column-search-results-renderer, ytd-video-renderer, ytd-rich-item-renderer')) score += 35;
    if (node.closest('nav, aside, header, [role="navigation"], #guide, [id*="guide"], [class*="sidebar"]')) score -= 120;
    return score;
  };
  const chooseBest = (nodes) => {
    const dedup = Array.from(new Set(nodes.filter(Boolean)));
    const visible = dedup.filter(isVisible);
    if (!visible.length) return null;
    let best = visible[0];
    let bestScore = scoreNode(best);
    for (const node of visible.slice(1)) {
      const score = scoreNode(node);
      if (score > bestScore) { best = node; bestScore = score; }
    }
    return best;
  };
  let el = null;
  let matched = [];
  try { matched = Array.from(document.querySelectorAll(normalized)); } catch (_) { matched = []; }
  if (matched.length) {
    const clickableCandidates = matched.map(asClickable).filter(Boolean);
    el = chooseBest(clickableCandidates);
  }
  if (!el && !looksLikeCss) {
    const needle = normalized.toLowerCase();
    const candidates = Array.from(document.querySelectorAll(clickableSelector));
    const matchedByText = candidates.filter((node) => {
      const text = (node.innerText || node.textContent || node.getAttribute('aria-label') || node.getAttribute('title') || node.value || '').toLowerCase();
      return text.includes(needle);
    });
    el = chooseBest(matchedByText);
  }
  if (!el && /heading/i.test(normalized)) {
    const mainRoot = document.querySelector('main, [role="main"], #contents') || document;
    const contentLinks = Array.from(mainRoot.querySelectorAll('a[href], button, [role="button"]'));
    const strong = contentLinks.filter((node) => {
      const text = (node.innerText || node.textContent || '').trim();
      const href = String((node.getAttribute && node.getAttribute('href')) || '').trim().toLowerCase();
      if (text.length < 8) return false;
      if (!href) return true;
      if (href.startsWith('#') || href.startsWith('javascript:')) return false;
      return true;
    });
    el = chooseBest(strong.map(asClickable));
  }
  if (!el && /yt-formatted-string/i.test(normalized) && /heading/i.test(normalized)) {
    const ytCandidates = Array.from(document.querySelectorAll('a#video-title, ytd-video-renderer a[href*="/watch"], ytd-rich-item-renderer a[href*="/watch"], ytd-rich-grid-media a[href*="/watch"]'));
    el = chooseBest(ytCandidates.map(asClickable));
  }
  if (!el) return {ok: false, reason: 'no clickable element found'};
  el.scrollIntoView({block: 'center', inline: 'center'});
  el.click();
  return {ok: true, tag: String(el.tagName || '').toLowerCase(), text: (el.innerText || el.textContent || '').trim().slice(0, 120)};
}`

// typeScriptTemplate focuses the editable element best matching the selector
// token and assigns the value with synthetic input/change events so reactive
// frameworks notice the edit.
const typeScriptTemplate = `() => {
  const selector = __SELECTOR__;
  const value = __VALUE__;
  const normalized = String(selector || '').trim();
  const roleMatch = /^role\s*[:=]\s*([a-z0-9_-]+)$/i.exec(normalized);
  let el = null;
  if (normalized) {
    try { el = document.querySelector(normalized); } catch (_) {}
  }
  const interactive = Array.from(document.querySelectorAll('textarea, input[type="search"], input[type="text"], input:not([type]), input[name="q"], textarea[name="q"], [contenteditable="true"], [role="textbox"], [role="searchbox"]'));
  if (!el && roleMatch) {
    const role = roleMatch[1].toLowerCase();
    el = Array.from(document.querySelectorAll('[role="' + role + '"]')).find(Boolean) || null;
  }
  if (!el && normalized) {
    const needle = normalized.toLowerCase();
    el = interactive.find((node) => {
      const textBlob = [
        node.getAttribute('name'),
        node.getAttribute('placeholder'),
        node.getAttribute('aria-label'),
        node.getAttribute('title'),
        node.id,
        node.innerText,
        node.textContent
      ].filter(Boolean).join(' ').toLowerCase();
      return textBlob.includes(needle);
    });
  }
  if (!el) {
    el = interactive.find((node) => !node.disabled && node.getAttribute('type') !== 'hidden') || null;
  }
  if (!el) return {ok: false, reason: 'No editable element found'};
  el.focus();
  if ('value' in el) {
    el.value = value;
    el.dispatchEvent(new Event('input', {bubbles: true}));
    el.dispatchEvent(new Event('change', {bubbles: true}));
  } else {
    el.textContent = value;
  }
  return {ok: true};
}`

// pageReadyScript probes document readiness after a navigation.
const pageReadyScript = `() => {
  const readyState = document.readyState || 'loading';
  const hasBody = Boolean(document.body);
  const href = String(window.location && window.location.href || '');
  return {readyState, hasBody, href};
}`

// waitStateScript probes the page for the smart wait fallback: location,
// title, body presence and media playback state.
const waitStateScript = `() => {
  const href = String(window.location && window.location.href || '');
  const title = String(document.title || '');
  const player = document.querySelector('#movie_player, ytd-player, .html5-video-player');
  const video = document.querySelector('video');
  const hasVideo = Boolean(video);
  const hasPlayer = Boolean(player);
  const videoPlaying = Boolean(video && !video.paused && !video.ended && video.readyState >= 2);
  const hasBody = Boolean(document.body);
  return {href, title, hasPlayer, hasVideo, videoPlaying, hasBody};
}`

// clickScript binds the selector token into the click template.
func clickScript(selector string) string {
	return strings.Replace(clickScriptTemplate, "__SELECTOR__", jsQuote(selector), 1)
}

// typeScript binds the selector token and value into the type template.
func typeScript(selector, value string) string {
	s := strings.Replace(typeScriptTemplate, "__SELECTOR__", jsQuote(selector), 1)
	return strings.Replace(s, "__VALUE__", jsQuote(value), 1)
}

// jsQuote renders a Go string as a JS string literal via JSON encoding.
func jsQuote(s string) string {
	quoted, err := jsoniter.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return quoted
}
