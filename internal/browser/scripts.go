package browser

// jsResolve walks a dot path from root; an empty path is root itself.
const jsResolve = `function(root, path) {
  if (!path) return root;
  return path.split('.').reduce((o, k) => (o == null ? undefined : o[k]), root);
}`

const jsIsField = `(el) => el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement`

const jsDescribe = `function() {
  const r = this.getBoundingClientRect();
  const s = getComputedStyle(this);
  const field = (` + jsIsField + `)(this);
  return {
    tag: this.tagName.toLowerCase(),
    type: field ? String(this.type || '') : '',
    width: r.width,
    height: r.height,
    display: s.display,
    visibility: s.visibility,
    opacity: s.opacity,
    disabled: !!this.disabled,
    readOnly: !!this.readOnly,
    ariaDisabled: this.getAttribute('aria-disabled') || '',
    contentEditable: !!this.isContentEditable,
    formControl: field,
  };
}`

const jsValue = `function() {
  return (` + jsIsField + `)(this) ? this.value : (this.textContent || '');
}`

const jsSetValue = `function(v) {
  if ((` + jsIsField + `)(this)) {
    const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
    Object.getOwnPropertyDescriptor(proto, 'value').set.call(this, v);
  } else {
    this.textContent = v;
  }
}`

const jsSetHTML = `function(h) {
  this.innerHTML = h;
  const range = document.createRange();
  range.selectNodeContents(this);
  range.collapse(false);
  const sel = window.getSelection();
  sel.removeAllRanges();
  sel.addRange(range);
}`

const jsDispatch = `function(e) {
  const init = {bubbles: true, cancelable: true, composed: true};
  if (e.key) init.key = e.key;
  if (e.code) init.code = e.code;
  if (e.keyCode) { init.keyCode = e.keyCode; init.which = e.keyCode; }
  if (e.data) init.data = e.data;
  if (e.inputType) init.inputType = e.inputType;
  const Ctor = window[e.kind || 'Event'] || Event;
  let ev;
  try { ev = new Ctor(e.type, init); } catch (_) { ev = new Event(e.type, init); }
  this.dispatchEvent(ev);
}`

const jsSelectContents = `function() {
  this.focus();
  if (typeof this.select === 'function') { this.select(); return; }
  const range = document.createRange();
  range.selectNodeContents(this);
  const sel = window.getSelection();
  sel.removeAllRanges();
  sel.addRange(range);
}`

const jsExecCommand = `function(cmd, value) {
  this.focus();
  return document.execCommand(cmd, false, value);
}`

const jsPatchSetter = `function() {
  if (!(` + jsIsField + `)(this)) return;
  const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
  const d = Object.getOwnPropertyDescriptor(proto, 'value');
  Object.defineProperty(this, 'value', {
    configurable: true,
    get() { return d.get.call(this); },
    set(v) { d.set.call(this, v); },
  });
}`

const jsReplaceWithClone = `function(text) {
  if (!this.parentNode) throw new Error('element detached');
  const clone = this.cloneNode(true);
  if ((` + jsIsField + `)(clone)) clone.value = text; else clone.textContent = text;
  this.parentNode.replaceChild(clone, this);
  return clone;
}`

const jsOwnKeys = `function(path) {
  const o = (` + jsResolve + `)(this, path);
  return o == null ? [] : Object.getOwnPropertyNames(o);
}`

const jsKindOf = `function(path) {
  const v = (` + jsResolve + `)(this, path);
  return v === null ? 'null' : typeof v;
}`

// jsInvoke returns false when the path does not name a function.
const jsInvoke = `function(global, path, args) {
  const resolve = ` + jsResolve + `;
  const el = this;
  const parts = path.split('.');
  const name = parts.pop();
  const recv = resolve(global ? window : el, parts.join('.'));
  const fn = recv == null ? undefined : recv[name];
  if (typeof fn !== 'function') return false;
  const real = args.map((a) => {
    if (a && typeof a === 'object' && '__promptrelayChange' in a) {
      const value = a.__promptrelayChange;
      return {
        target: {value}, currentTarget: {value}, type: 'change',
        preventDefault() {}, stopPropagation() {},
        nativeEvent: new Event('input', {bubbles: true}),
      };
    }
    if (a && typeof a === 'object' && a.__promptrelayElement) return el;
    return a;
  });
  fn.apply(recv, real);
  return true;
}`

const jsAssign = `function(path, value) {
  const parts = path.split('.');
  const name = parts.pop();
  const o = (` + jsResolve + `)(this, parts.join('.'));
  if (o == null) throw new Error('nothing at ' + path);
  o[name] = value;
}`
