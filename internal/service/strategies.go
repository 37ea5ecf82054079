package service

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// PageTextScript returns the visible text of the page body.
const PageTextScript = `document.body ? document.body.innerText : ''`

// strategy reads one raw monetary token from the page; "" is a miss.
// DOM strategies carry a script, text strategies a matcher over PageTextScript's result.
// refresh makes a text strategy re-read the page after the fallback pause.
type strategy struct {
	name    string
	script  string
	match   func(pageText string) string
	refresh bool
}

// Strategy table, tried in order. Scripts always return a string.
var strategies = []strategy{
	{name: "known_selectors", script: knownSelectorsScript},
	{name: "label_adjacency", script: labelAdjacencyScript},
	{name: "large_text", script: largeTextScript},
	{name: "container_scan", script: containerScanScript},
	{name: "page_text_phrases", match: matchPhrases},
	{name: "all_text_fallback", match: matchAnyAmount, refresh: true},
}

const knownSelectorsScript = `(() => {
	const selectors = ['.balance-amount', '[data-balance]', '.amount-display', '.wallet-balance',
		'.user-balance', '.account-balance', '.current-balance',
		'span[class*="balance"]', 'div[class*="balance"]'];
	for (const sel of selectors) {
		try {
			const el = document.querySelector(sel);
			if (!el || !el.textContent.includes('$')) continue;
			const m = el.textContent.match(/\$([\d,]+\.?\d*)/);
			if (m) return m[1];
		} catch (e) {}
	}
	return '';
})()`

const labelAdjacencyScript = `(() => {
	for (const label of ['余额', 'Balance', '当前余额', 'Current Balance']) {
		const xpath = "//*[contains(text(), '" + label + "')]";
		const node = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
		if (!node || !node.parentElement) continue;
		const parent = node.parentElement;
		for (const sibling of Array.from(parent.children)) {
			const m = sibling.textContent.match(/\$([\d,]+\.?\d*)/);
			if (m) return m[1];
		}
		const m = parent.textContent.match(/\$([\d,]+\.?\d*)/);
		if (m) return m[1];
	}
	return '';
})()`

const largeTextScript = `(() => {
	const selectors = ['.text-lg', '.text-xl', '.text-2xl', '.text-3xl', 'h1', 'h2', 'h3',
		'[style*="font-size: 2"], [style*="font-size: 3"]'];
	for (const sel of selectors) {
		for (const el of document.querySelectorAll(sel)) {
			const text = el.textContent;
			if (!/^\$[\d,]+\.?\d*$/.test(text)) continue;
			if (parseFloat(text.replace(/[$,]/g, '')) > 0) return text;
		}
	}
	return '';
})()`

const containerScanScript = `(() => {
	const containers = ['.dashboard', '.console', '.account-info', '.user-panel', '.wallet', 'main', '#app'];
	for (const sel of containers) {
		const container = document.querySelector(sel);
		if (!container) continue;
		for (const el of container.querySelectorAll('span, div, p')) {
			const text = el.textContent.trim();
			if (el.childElementCount !== 0 || !/^\$\s*[\d,]+\.?\d*$/.test(text)) continue;
			if (parseFloat(text.replace(/[$,\s]/g, '')) > 0) return text;
		}
	}
	return '';
})()`

var phrasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`当前余额[：:\s]*\$([\d,]+\.?\d*)`),
	regexp.MustCompile(`余额[：:\s]*\$([\d,]+\.?\d*)`),
	regexp.MustCompile(`(?i)Balance[：:\s]*\$([\d,]+\.?\d*)`),
	regexp.MustCompile(`\$([\d,]+\.?\d*)\s*(?:USD|美元)?`),
}

// matchPhrases finds an amount next to a known balance phrase, falling back to the first "$n".
func matchPhrases(text string) string {
	for _, re := range phrasePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

var anyAmount = regexp.MustCompile(`\$\s*([\d,]+\.?\d*)`)

// matchAnyAmount picks the most balance-shaped "$n" token: the first whole
// amount in (0, 1e6), otherwise the first amount in range.
func matchAnyAmount(text string) string {
	var first string
	for _, m := range anyAmount.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil || v <= 0 || v >= 1e6 {
			continue
		}
		if v == math.Trunc(v) {
			return m[1]
		}
		if first == "" {
			first = m[1]
		}
	}
	return first
}
