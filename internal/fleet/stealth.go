package fleet

import "fmt"

// gpuProfile is one of the three stable WebGL vendor/renderer pairs the
// stealth script chooses between (spec.md §4.C.4).
type gpuProfile struct {
	vendor   string
	renderer string
}

var gpuProfiles = [3]gpuProfile{
	{vendor: "Google Inc. (Intel)", renderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{vendor: "Google Inc. (NVIDIA)", renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{vendor: "Google Inc. (AMD)", renderer: "ANGLE (AMD, AMD Radeon RX 580 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

// profileForSeed picks one of the three GPU profiles deterministically
// from an identity's stable fingerprint seed (spec.md §4.C.4, §9 "one
// account always presents one profile").
func profileForSeed(seed uint64) gpuProfile {
	return gpuProfiles[seed%uint64(len(gpuProfiles))]
}

// stealthScript renders the first-run page script injected before any
// other script runs on the page (spec.md §4.C step 4, §4.C.4):
//   - removes navigator.webdriver
//   - reports a small non-zero plugin count if navigator.plugins is empty
//   - intercepts WebGL vendor (37445) / renderer (37446) parameter queries
//   - installs a deterministic canvas noise value
//
// Both the GPU profile and the noise value are derived from seed so they
// are stable across restarts for the same identity.
func stealthScript(seed uint64) string {
	p := profileForSeed(seed)
	noise := (seed % 15) - 7 // small signed perturbation, stable per identity

	return fmt.Sprintf(`(() => {
  try {
    Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined, configurable: true });
  } catch (e) {}

  try {
    if (navigator.plugins && navigator.plugins.length === 0) {
      Object.defineProperty(navigator, 'plugins', {
        get: () => ({ length: 3 }),
        configurable: true,
      });
    }
  } catch (e) {}

  const GPU_VENDOR = %q;
  const GPU_RENDERER = %q;
  try {
    const getParameter = WebGLRenderingContext.prototype.getParameter;
    WebGLRenderingContext.prototype.getParameter = function (param) {
      if (param === 37445) return GPU_VENDOR;
      if (param === 37446) return GPU_RENDERER;
      return getParameter.call(this, param);
    };
    if (window.WebGL2RenderingContext) {
      const getParameter2 = WebGL2RenderingContext.prototype.getParameter;
      WebGL2RenderingContext.prototype.getParameter = function (param) {
        if (param === 37445) return GPU_VENDOR;
        if (param === 37446) return GPU_RENDERER;
        return getParameter2.call(this, param);
      };
    }
  } catch (e) {}

  const CANVAS_NOISE = %d;
  try {
    const toDataURL = HTMLCanvasElement.prototype.toDataURL;
    HTMLCanvasElement.prototype.toDataURL = function (...args) {
      const ctx = this.getContext('2d');
      if (ctx && CANVAS_NOISE !== 0) {
        const imageData = ctx.getImageData(0, 0, this.width, this.height);
        for (let i = 0; i < imageData.data.length; i += 97) {
          imageData.data[i] = (imageData.data[i] + CANVAS_NOISE) & 0xff;
        }
        ctx.putImageData(imageData, 0, 0);
      }
      return toDataURL.apply(this, args);
    };
  } catch (e) {}
})();`, p.vendor, p.renderer, noise)
}
